package webhook

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fincaops/recon-engine/internal/domain"
	"github.com/fincaops/recon-engine/internal/logger"
	"github.com/fincaops/recon-engine/internal/store/inmemory"
)

const secret = "whsec-test"

func newProcessor(st *inmemory.Store) *Processor {
	return New(secret, st, logger.New(), nil)
}

func seededStore() *inmemory.Store {
	st := inmemory.New()
	st.AddTransaction(domain.BankTransaction{
		ID:           "tx-1",
		CompanyID:    "c1",
		PostingDate:  time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		Amount:       decimal.RequireFromString("120.00"),
		Currency:     "EUR",
		ProviderTxID: "PM123",
	})
	st.AddMandate(domain.SepaMandate{
		ID:                "m-1",
		CompanyID:         "c1",
		ProviderMandateID: "MD123",
		State:             domain.MandateActive,
	})
	st.AddConnection(domain.BankConnection{
		ID:        "conn-1",
		CompanyID: "c1",
		State:     domain.ConnectionConnected,
	})
	return st
}

func delivery(events string) []byte {
	return []byte(fmt.Sprintf(`{"events":[%s]}`, events))
}

func paymentEvent(id, action, payment string) string {
	return fmt.Sprintf(`{"id":%q,"resource_type":"payments","action":%q,"links":{"payment":%q}}`, id, action, payment)
}

func TestProcess_RejectsTamperedBody(t *testing.T) {
	st := seededStore()
	p := newProcessor(st)

	body := delivery(paymentEvent("EV1", "confirmed", "PM123"))
	sig := Sign(secret, body)

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] ^= 0x01

	if _, err := p.Process(context.Background(), tampered, sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("Process() error = %v, want ErrBadSignature", err)
	}

	// The signature gate runs before parsing, so nothing was applied.
	tx, err := st.GetTransaction(context.Background(), "tx-1")
	if err != nil {
		t.Fatal(err)
	}
	if tx.State != domain.TxPendingReview {
		t.Errorf("state = %s, tampered delivery must not transition anything", tx.State)
	}
}

func TestProcess_RejectsWrongSecret(t *testing.T) {
	p := newProcessor(seededStore())
	body := delivery(paymentEvent("EV1", "confirmed", "PM123"))

	if _, err := p.Process(context.Background(), body, Sign("other-secret", body)); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("Process() error = %v, want ErrBadSignature", err)
	}
}

func TestProcess_PaymentConfirmed(t *testing.T) {
	st := seededStore()
	p := newProcessor(st)

	body := delivery(paymentEvent("EV1", "confirmed", "PM123"))
	res, err := p.Process(context.Background(), body, Sign(secret, body))
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if res.Events != 1 || res.Applied != 1 {
		t.Errorf("result = %+v, want 1 applied", res)
	}

	tx, err := st.GetTransaction(context.Background(), "tx-1")
	if err != nil {
		t.Fatal(err)
	}
	if tx.State != domain.TxReconciled {
		t.Errorf("state = %s, want reconciled", tx.State)
	}
}

func TestProcess_ReplayIsIdempotent(t *testing.T) {
	st := seededStore()
	p := newProcessor(st)

	body := delivery(paymentEvent("EV1", "failed", "PM123"))
	sig := Sign(secret, body)

	res, err := p.Process(context.Background(), body, sig)
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != 1 {
		t.Fatalf("first delivery = %+v, want 1 applied", res)
	}

	res, err = p.Process(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("replay must be acknowledged, got: %v", err)
	}
	if res.Applied != 0 || res.Skipped != 1 {
		t.Errorf("replay = %+v, want 0 applied, 1 skipped", res)
	}

	// Exactly one audit entry despite two deliveries.
	changes, err := st.ListStateChanges(context.Background(), "transaction", "tx-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 {
		t.Errorf("audit entries = %d, want 1", len(changes))
	}
}

func TestProcess_UnknownPaymentIsSkippedNotFailed(t *testing.T) {
	p := newProcessor(seededStore())

	body := delivery(paymentEvent("EV1", "confirmed", "PM-NEVER-SEEN"))
	res, err := p.Process(context.Background(), body, Sign(secret, body))
	if err != nil {
		t.Fatalf("unknown provider id must not error: %v", err)
	}
	if res.Applied != 0 || res.Skipped != 1 {
		t.Errorf("result = %+v, want skipped", res)
	}
}

func TestProcess_MandateCancelledDisconnectsConnection(t *testing.T) {
	st := seededStore()
	p := newProcessor(st)

	body := delivery(`{"id":"EV2","resource_type":"mandates","action":"cancelled","links":{"mandate":"MD123"},"created_at":"2025-02-03T09:00:00Z"}`)
	res, err := p.Process(context.Background(), body, Sign(secret, body))
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied != 1 {
		t.Fatalf("result = %+v, want 1 applied", res)
	}

	conn, ok := st.GetConnection("conn-1")
	if !ok {
		t.Fatal("connection vanished")
	}
	if conn.State != domain.ConnectionDisconnected {
		t.Errorf("connection state = %s, want disconnected", conn.State)
	}
	if conn.DisconnectedAt == nil || !conn.DisconnectedAt.Equal(time.Date(2025, 2, 3, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("DisconnectedAt = %v, want event timestamp", conn.DisconnectedAt)
	}
}

func TestProcess_MixedBatch(t *testing.T) {
	st := seededStore()
	p := newProcessor(st)

	events := paymentEvent("EV1", "confirmed", "PM123") + "," +
		`{"id":"EV2","resource_type":"subscriptions","action":"created","links":{"subscription":"SB1"}}` + "," +
		paymentEvent("EV3", "telekinesis", "PM123") + "," +
		`{"id":"EV4","resource_type":"refunds","action":"created","links":{}}`
	body := delivery(events)

	res, err := p.Process(context.Background(), body, Sign(secret, body))
	if err != nil {
		t.Fatal(err)
	}
	if res.Events != 4 || res.Applied != 1 || res.Skipped != 3 {
		t.Errorf("result = %+v, want 1 applied and 3 skipped out of 4", res)
	}
}

func TestProcess_MalformedPayloadAfterValidSignature(t *testing.T) {
	p := newProcessor(seededStore())
	body := []byte(`{"events": not json`)

	_, err := p.Process(context.Background(), body, Sign(secret, body))
	if err == nil || errors.Is(err, ErrBadSignature) {
		t.Errorf("Process() error = %v, want a parse error distinct from a signature error", err)
	}
}
