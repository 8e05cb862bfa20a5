package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/fincaops/recon-engine/internal/api/middleware"
	"github.com/fincaops/recon-engine/internal/domain"
	"github.com/fincaops/recon-engine/internal/logger"
	"github.com/fincaops/recon-engine/internal/match"
	"github.com/fincaops/recon-engine/internal/recon"
	"github.com/fincaops/recon-engine/internal/scope"
	"github.com/fincaops/recon-engine/internal/store/inmemory"
	"github.com/fincaops/recon-engine/internal/webhook"
)

const (
	apiSecret     = "api-secret"
	webhookSecret = "whsec"
)

func testServer(t *testing.T, st *inmemory.Store) *httptest.Server {
	t.Helper()
	log := logger.New()

	matcher := match.New(match.Config{
		DateWindowDays:           5,
		AmountOnlyWindowDays:     2,
		PayerSimilarityThreshold: 0.5,
		AmbiguityMargin:          0.05,
	})
	orchestrator := recon.New(st, matcher, nil, recon.Config{
		RuleThreshold:       0.60,
		AutoCommitThreshold: 0.85,
		MaxAttempts:         5,
		WorkerCount:         2,
		DefaultLimit:        100,
	}, log, nil)

	resolver := scope.NewResolver(scope.StaticDirectory{"holding": {"sub-a"}}, log)
	processor := webhook.New(webhookSecret, st, log, nil)

	reconciliationHandler := NewReconciliationHandler(orchestrator, resolver, log)
	transactionsHandler := NewTransactionsHandler(st, resolver, log)
	webhookHandler := NewWebhookHandler(processor, log)

	router := mux.NewRouter()
	router.HandleFunc("/api/reconciliation/run", reconciliationHandler.Run).Methods(http.MethodPost)
	router.HandleFunc("/api/transactions/pending", transactionsHandler.ListPending).Methods(http.MethodGet)
	router.HandleFunc("/api/transactions/ingest", transactionsHandler.Ingest).Methods(http.MethodPost)
	router.HandleFunc("/api/transactions/{id}/discard", transactionsHandler.Discard).Methods(http.MethodPost)
	router.HandleFunc("/api/transactions/{id}/restore", transactionsHandler.Restore).Methods(http.MethodPost)
	router.HandleFunc("/api/transactions/{id}/history", transactionsHandler.History).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/bank", webhookHandler.Receive).Methods(http.MethodPost)
	router.HandleFunc("/healthz", Health).Methods(http.MethodGet)

	handler := middleware.Recovery(log)(
		middleware.RequestID(
			middleware.SecretGuard(apiSecret, "/webhooks/bank", "/healthz")(router),
		),
	)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func asCompany(company string) map[string]string {
	return map[string]string{
		"X-Api-Secret": apiSecret,
		"X-User-ID":    "u1",
		"X-Company-ID": company,
		"Content-Type": "application/json",
	}
}

func TestSecretGuard(t *testing.T) {
	srv := testServer(t, inmemory.New())

	resp, _ := doRequest(t, http.MethodGet, srv.URL+"/api/transactions/pending", "", map[string]string{"X-Company-ID": "c1"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("without secret: status = %d, want 401", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: status = %d, want 200 without secret", resp.StatusCode)
	}
}

func TestRunCountAndBatch(t *testing.T) {
	st := inmemory.New()
	st.AddReceivable(domain.Receivable{
		ID:        "rcv-1",
		CompanyID: "c1",
		Reference: "REF-1",
		Amount:    decimal.RequireFromString("100.00"),
		Currency:  "EUR",
		DueDate:   time.Now(),
	})
	st.AddTransaction(domain.BankTransaction{
		ID:          "tx-1",
		CompanyID:   "c1",
		PostingDate: time.Now(),
		Description: "payment REF-1",
		Amount:      decimal.RequireFromString("100.00"),
		Currency:    "EUR",
	})
	srv := testServer(t, st)

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/api/reconciliation/run", `{"action":"count"}`, asCompany("c1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("count: status = %d, body %s", resp.StatusCode, body)
	}
	var count map[string]int
	if err := json.Unmarshal(body, &count); err != nil {
		t.Fatal(err)
	}
	if count["pending"] != 1 {
		t.Errorf("pending = %d, want 1", count["pending"])
	}

	resp, body = doRequest(t, http.MethodPost, srv.URL+"/api/reconciliation/run", `{"action":"batch"}`, asCompany("c1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("batch: status = %d, body %s", resp.StatusCode, body)
	}
	var summary domain.BatchSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Reconciled != 1 {
		t.Errorf("batch summary = %+v, want 1 reconciled", summary)
	}
}

func TestRunRejectsUnknownAction(t *testing.T) {
	srv := testServer(t, inmemory.New())

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/api/reconciliation/run", `{"action":"destroy"}`, asCompany("c1"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRunWithoutCompanyIsForbidden(t *testing.T) {
	srv := testServer(t, inmemory.New())

	headers := asCompany("")
	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/api/reconciliation/run", `{"action":"count"}`, headers)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestIngestEndpoint(t *testing.T) {
	st := inmemory.New()
	srv := testServer(t, st)

	payload := `{"connection_id":"conn-1","transactions":[
		{"provider_tx_id":"PM1","date":"2025-03-01","description":"rent","amount":"950.00","currency":"EUR"},
		{"provider_tx_id":"PM2","date":"2025-03-02","description":"invoice","amount":"120.00","currency":"EUR"}
	]}`

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/api/transactions/ingest", payload, asCompany("c1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var result map[string]int
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatal(err)
	}
	if result["inserted"] != 2 || result["skipped"] != 0 {
		t.Errorf("first ingest = %v", result)
	}

	// Re-delivery skips everything.
	_, body = doRequest(t, http.MethodPost, srv.URL+"/api/transactions/ingest", payload, asCompany("c1"))
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatal(err)
	}
	if result["inserted"] != 0 || result["skipped"] != 2 {
		t.Errorf("replayed ingest = %v", result)
	}
}

func TestDiscardRestoreAndHistory(t *testing.T) {
	st := inmemory.New()
	st.AddTransaction(domain.BankTransaction{
		ID:          "tx-1",
		CompanyID:   "c1",
		PostingDate: time.Now(),
		Description: "mystery",
		Amount:      decimal.RequireFromString("10.00"),
		Currency:    "EUR",
	})
	srv := testServer(t, st)

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/api/transactions/tx-1/discard", `{"note":"not ours"}`, asCompany("c1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("discard: status = %d", resp.StatusCode)
	}

	// Double discard conflicts.
	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/api/transactions/tx-1/discard", `{}`, asCompany("c1"))
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double discard: status = %d, want 409", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/api/transactions/tx-1/restore", "", asCompany("c1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore: status = %d", resp.StatusCode)
	}

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/api/transactions/tx-1/history", "", asCompany("c1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: status = %d", resp.StatusCode)
	}
	var history struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatal(err)
	}
	if history.Count != 2 {
		t.Errorf("history entries = %d, want discard + restore", history.Count)
	}
}

func TestCrossTenantAccessLooksLikeNotFound(t *testing.T) {
	st := inmemory.New()
	st.AddTransaction(domain.BankTransaction{
		ID:          "tx-1",
		CompanyID:   "c1",
		PostingDate: time.Now(),
		Amount:      decimal.RequireFromString("10.00"),
		Currency:    "EUR",
	})
	srv := testServer(t, st)

	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/api/transactions/tx-1/discard", "{}", asCompany("c2"))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for another tenant's transaction", resp.StatusCode)
	}
}

func TestWebhookEndpoint(t *testing.T) {
	st := inmemory.New()
	st.AddTransaction(domain.BankTransaction{
		ID:           "tx-1",
		CompanyID:    "c1",
		PostingDate:  time.Now(),
		Amount:       decimal.RequireFromString("50.00"),
		Currency:     "EUR",
		ProviderTxID: "PM777",
	})
	srv := testServer(t, st)

	body := `{"events":[{"id":"EV1","resource_type":"payments","action":"confirmed","links":{"payment":"PM777"}}]}`

	// No shared secret needed; the HMAC is the credential.
	resp, respBody := doRequest(t, http.MethodPost, srv.URL+"/webhooks/bank", body, map[string]string{
		"Webhook-Signature": webhook.Sign(webhookSecret, []byte(body)),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, respBody)
	}

	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/webhooks/bank", body, map[string]string{
		"Webhook-Signature": "deadbeef",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad signature: status = %d, want 401", resp.StatusCode)
	}
}
