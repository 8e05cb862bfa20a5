// Package handlers implements the HTTP endpoints of the reconciliation
// engine: batch runs, transaction review actions and the provider webhook.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/fincaops/recon-engine/internal/api/middleware"
	"github.com/fincaops/recon-engine/internal/domain"
	"github.com/fincaops/recon-engine/internal/recon"
	"github.com/fincaops/recon-engine/internal/scope"
	"github.com/fincaops/recon-engine/internal/store"
	"github.com/fincaops/recon-engine/internal/webhook"
)

// maxWebhookBody caps a webhook delivery at 1 MiB.
const maxWebhookBody = 1 << 20

// callerFromRequest reads the authenticated caller identity the gateway in
// front of this service injects. Authentication itself happens upstream.
func callerFromRequest(r *http.Request) domain.CallerIdentity {
	return domain.CallerIdentity{
		UserID:       r.Header.Get("X-User-ID"),
		CompanyID:    r.Header.Get("X-Company-ID"),
		Consolidated: r.Header.Get("X-Consolidated") == "true",
	}
}

// ReconciliationHandler drives batch runs and ad-hoc identification.
type ReconciliationHandler struct {
	orchestrator *recon.Orchestrator
	resolver     *scope.Resolver
	log          zerolog.Logger
}

// NewReconciliationHandler creates a reconciliation handler.
func NewReconciliationHandler(o *recon.Orchestrator, resolver *scope.Resolver, log zerolog.Logger) *ReconciliationHandler {
	return &ReconciliationHandler{orchestrator: o, resolver: resolver, log: log}
}

type runRequest struct {
	Action string `json:"action"` // "count", "batch" or "identify"
	Limit  int    `json:"limit,omitempty"`
	UseAI  bool   `json:"use_ai,omitempty"`

	// identify only
	Description string `json:"description,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Currency    string `json:"currency,omitempty"`
	Date        string `json:"date,omitempty"` // YYYY-MM-DD
	PayerName   string `json:"payer_name,omitempty"`
}

// Run handles POST /api/reconciliation/run
func (h *ReconciliationHandler) Run(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sc, err := h.resolver.Resolve(ctx, callerFromRequest(r))
	if err != nil {
		if errors.Is(err, scope.ErrNoCompany) {
			middleware.WriteError(w, http.StatusForbidden, "Caller has no company")
			return
		}
		h.log.Error().Err(err).Msg("Failed to resolve scope")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to resolve scope")
		return
	}

	switch req.Action {
	case "count":
		n, err := h.orchestrator.Count(ctx, sc)
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to count pending transactions")
			middleware.WriteError(w, http.StatusInternalServerError, "Failed to count pending transactions")
			return
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]int{"pending": n})

	case "batch":
		summary, err := h.orchestrator.ReconcileBatch(ctx, sc, req.Limit, req.UseAI)
		if err != nil {
			h.log.Error().Err(err).Msg("Batch reconciliation failed")
			middleware.WriteError(w, http.StatusInternalServerError, "Batch reconciliation failed")
			return
		}
		middleware.WriteJSON(w, http.StatusOK, summary)

	case "identify":
		identify, err := h.parseIdentify(req)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		result, err := h.orchestrator.Identify(ctx, sc, identify)
		if err != nil {
			h.log.Error().Err(err).Msg("Identification failed")
			middleware.WriteError(w, http.StatusInternalServerError, "Identification failed")
			return
		}
		middleware.WriteJSON(w, http.StatusOK, result)

	default:
		middleware.WriteError(w, http.StatusBadRequest, "action must be count, batch or identify")
	}
}

func (h *ReconciliationHandler) parseIdentify(req runRequest) (recon.IdentifyRequest, error) {
	out := recon.IdentifyRequest{
		Description: req.Description,
		Currency:    req.Currency,
		PayerName:   req.PayerName,
		UseAI:       req.UseAI,
	}
	if req.Amount == "" {
		return out, errors.New("amount is required for identify")
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return out, errors.New("invalid amount")
	}
	out.Amount = amount
	if req.Date != "" {
		d, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			return out, errors.New("invalid date, want YYYY-MM-DD")
		}
		out.Date = d
	}
	return out, nil
}

// TransactionsHandler serves the manual-review surface: listing what is
// pending and discarding or restoring single transactions.
type TransactionsHandler struct {
	store    store.TransactionStore
	resolver *scope.Resolver
	log      zerolog.Logger
}

// NewTransactionsHandler creates a transactions handler.
func NewTransactionsHandler(st store.TransactionStore, resolver *scope.Resolver, log zerolog.Logger) *TransactionsHandler {
	return &TransactionsHandler{store: st, resolver: resolver, log: log}
}

// transactionView is the API shape of a transaction.
type transactionView struct {
	ID             string                     `json:"id"`
	CompanyID      string                     `json:"company_id"`
	PostingDate    string                     `json:"posting_date"`
	Description    string                     `json:"description"`
	Amount         string                     `json:"amount"`
	Currency       string                     `json:"currency"`
	PayerName      string                     `json:"payer_name,omitempty"`
	State          string                     `json:"state"`
	MatchAttempts  int                        `json:"match_attempts"`
	Reconciliation *domain.ReconciliationMeta `json:"reconciliation,omitempty"`
}

func toView(tx domain.BankTransaction) transactionView {
	return transactionView{
		ID:             tx.ID,
		CompanyID:      tx.CompanyID,
		PostingDate:    tx.PostingDate.Format("2006-01-02"),
		Description:    tx.Description,
		Amount:         tx.Amount.StringFixed(2),
		Currency:       tx.Currency,
		PayerName:      tx.PayerName,
		State:          string(tx.State),
		MatchAttempts:  tx.MatchAttempts,
		Reconciliation: tx.Reconciliation,
	}
}

// ListPending handles GET /api/transactions/pending
func (h *TransactionsHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sc, err := h.resolver.Resolve(ctx, callerFromRequest(r))
	if err != nil {
		if errors.Is(err, scope.ErrNoCompany) {
			middleware.WriteError(w, http.StatusForbidden, "Caller has no company")
			return
		}
		h.log.Error().Err(err).Msg("Failed to resolve scope")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to resolve scope")
		return
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	var views []transactionView
	for _, companyID := range sc.CompanyIDs() {
		txs, err := h.store.ListPendingTransactions(ctx, companyID, limit-len(views))
		if err != nil {
			h.log.Error().Err(err).Str("company_id", companyID).Msg("Failed to list pending transactions")
			middleware.WriteError(w, http.StatusInternalServerError, "Failed to list pending transactions")
			return
		}
		for _, tx := range txs {
			views = append(views, toView(tx))
		}
		if len(views) >= limit {
			break
		}
	}
	if views == nil {
		views = []transactionView{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": views,
		"count":        len(views),
	})
}

type ingestRequest struct {
	ConnectionID string `json:"connection_id"`
	Transactions []struct {
		ProviderTxID string `json:"provider_tx_id"`
		Date         string `json:"date"` // YYYY-MM-DD
		Description  string `json:"description"`
		Amount       string `json:"amount"`
		Currency     string `json:"currency"`
		PayerName    string `json:"payer_name"`
	} `json:"transactions"`
}

// Ingest handles POST /api/transactions/ingest. Re-delivering the same
// provider transactions is safe: known provider IDs are skipped.
func (h *TransactionsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	caller := callerFromRequest(r)
	if caller.CompanyID == "" {
		middleware.WriteError(w, http.StatusForbidden, "Caller has no company")
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	txs := make([]domain.ProviderTransaction, 0, len(req.Transactions))
	for i, in := range req.Transactions {
		amount, err := decimal.NewFromString(in.Amount)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid amount at index "+strconv.Itoa(i))
			return
		}
		date, err := time.Parse("2006-01-02", in.Date)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid date at index "+strconv.Itoa(i))
			return
		}
		txs = append(txs, domain.ProviderTransaction{
			ProviderTxID: in.ProviderTxID,
			Date:         date,
			Description:  in.Description,
			Amount:       amount,
			Currency:     in.Currency,
			PayerName:    in.PayerName,
		})
	}

	result, err := h.store.IngestTransactions(ctx, caller.CompanyID, req.ConnectionID, txs)
	if err != nil {
		h.log.Error().Err(err).Str("company_id", caller.CompanyID).Msg("Ingestion failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Ingestion failed")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]int{
		"inserted": result.Inserted,
		"skipped":  result.Skipped,
	})
}

// authorize fetches the transaction and verifies it belongs to the caller's
// scope.
func (h *TransactionsHandler) authorize(w http.ResponseWriter, r *http.Request) (domain.BankTransaction, bool) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	sc, err := h.resolver.Resolve(ctx, callerFromRequest(r))
	if err != nil {
		middleware.WriteError(w, http.StatusForbidden, "Caller has no company")
		return domain.BankTransaction{}, false
	}

	tx, err := h.store.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "Transaction not found")
			return domain.BankTransaction{}, false
		}
		h.log.Error().Err(err).Str("transaction_id", id).Msg("Failed to get transaction")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get transaction")
		return domain.BankTransaction{}, false
	}
	if !sc.Contains(tx.CompanyID) {
		// Do not leak existence across tenants.
		middleware.WriteError(w, http.StatusNotFound, "Transaction not found")
		return domain.BankTransaction{}, false
	}
	return tx, true
}

// Discard handles POST /api/transactions/{id}/discard
func (h *TransactionsHandler) Discard(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req struct {
		Note string `json:"note"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	actor := "user:" + callerFromRequest(r).UserID
	if err := h.store.DiscardTransaction(r.Context(), tx.ID, actor, req.Note); err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			middleware.WriteError(w, http.StatusConflict, "Transaction is not pending review")
			return
		}
		h.log.Error().Err(err).Str("transaction_id", tx.ID).Msg("Failed to discard transaction")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to discard transaction")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"transaction_id": tx.ID,
		"state":          string(domain.TxDiscarded),
	})
}

// Restore handles POST /api/transactions/{id}/restore
func (h *TransactionsHandler) Restore(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.authorize(w, r)
	if !ok {
		return
	}

	actor := "user:" + callerFromRequest(r).UserID
	if err := h.store.RestoreTransaction(r.Context(), tx.ID, actor); err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			middleware.WriteError(w, http.StatusConflict, "Only discarded transactions can be restored")
			return
		}
		h.log.Error().Err(err).Str("transaction_id", tx.ID).Msg("Failed to restore transaction")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to restore transaction")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"transaction_id": tx.ID,
		"state":          string(domain.TxPendingReview),
	})
}

// History handles GET /api/transactions/{id}/history
func (h *TransactionsHandler) History(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.authorize(w, r)
	if !ok {
		return
	}

	changes, err := h.store.ListStateChanges(r.Context(), "transaction", tx.ID)
	if err != nil {
		h.log.Error().Err(err).Str("transaction_id", tx.ID).Msg("Failed to list state changes")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list state changes")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": tx.ID,
		"changes":        changes,
		"count":          len(changes),
	})
}

// WebhookHandler receives provider event deliveries.
type WebhookHandler struct {
	processor *webhook.Processor
	log       zerolog.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(p *webhook.Processor, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{processor: p, log: log}
}

// Receive handles POST /webhooks/bank. The raw body is read before anything
// else: the HMAC covers the exact bytes on the wire.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		middleware.WriteError(w, http.StatusRequestEntityTooLarge, "Body too large")
		return
	}

	result, err := h.processor.Process(r.Context(), body, r.Header.Get("Webhook-Signature"))
	if err != nil {
		if errors.Is(err, webhook.ErrBadSignature) {
			h.log.Warn().Str("remote_addr", r.RemoteAddr).Msg("Webhook delivery rejected, bad signature")
			middleware.WriteError(w, http.StatusUnauthorized, "Invalid signature")
			return
		}
		h.log.Error().Err(err).Msg("Webhook processing failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Webhook processing failed")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, result)
}

// Health handles GET /healthz
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
