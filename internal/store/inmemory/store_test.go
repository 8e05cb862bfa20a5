package inmemory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fincaops/recon-engine/internal/domain"
	"github.com/fincaops/recon-engine/internal/store"
)

var day = time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)

func TestIngestDeduplicatesProviderID(t *testing.T) {
	s := New()
	ctx := context.Background()

	txs := []domain.ProviderTransaction{
		{ProviderTxID: "prov-1", Date: day, Description: "rent jan", Amount: decimal.NewFromInt(950), Currency: "EUR"},
		{ProviderTxID: "prov-2", Date: day, Description: "rent feb", Amount: decimal.NewFromInt(950), Currency: "EUR"},
	}

	first, err := s.IngestTransactions(ctx, "c1", "conn1", txs)
	if err != nil {
		t.Fatal(err)
	}
	if first.Inserted != 2 || first.Skipped != 0 {
		t.Fatalf("first ingest = %+v, want 2 inserted", first)
	}

	second, err := s.IngestTransactions(ctx, "c1", "conn1", txs)
	if err != nil {
		t.Fatal(err)
	}
	if second.Inserted != 0 || second.Skipped != 2 {
		t.Fatalf("replayed ingest = %+v, want 2 skipped", second)
	}

	// Same provider ID under a different company is a distinct transaction.
	other, err := s.IngestTransactions(ctx, "c2", "conn2", txs[:1])
	if err != nil {
		t.Fatal(err)
	}
	if other.Inserted != 1 {
		t.Fatalf("other company ingest = %+v, want 1 inserted", other)
	}
}

func TestCommitMatchFirstCommitterWins(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.AddReceivable(domain.Receivable{ID: "r1", CompanyID: "c1", Amount: decimal.NewFromInt(300), Currency: "EUR"})
	s.AddTransaction(domain.BankTransaction{ID: "t1", CompanyID: "c1", Currency: "EUR"})
	s.AddTransaction(domain.BankTransaction{ID: "t2", CompanyID: "c1", Currency: "EUR"})

	if err := s.CommitMatch(ctx, store.CommitRequest{
		TransactionID: "t1", ReceivableID: "r1",
		Confidence: 1.0, Method: domain.MethodReference, Actor: "rule",
	}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	err := s.CommitMatch(ctx, store.CommitRequest{
		TransactionID: "t2", ReceivableID: "r1",
		Confidence: 0.9, Method: domain.MethodHeuristic, Actor: "rule",
	})
	if !errors.Is(err, store.ErrAlreadySettled) {
		t.Fatalf("second commit error = %v, want ErrAlreadySettled", err)
	}

	rcv, _ := s.GetReceivable("r1")
	if rcv.State != domain.ReceivableSettled || rcv.SettledBy != "t1" {
		t.Errorf("receivable = %+v, want settled by t1", rcv)
	}
	t2, _ := s.GetTransaction(ctx, "t2")
	if t2.State != domain.TxPendingReview {
		t.Errorf("losing transaction state = %s, want pending_review", t2.State)
	}
}

func TestCommitMatchRecordsAudit(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.AddReceivable(domain.Receivable{ID: "r1", CompanyID: "c1"})
	s.AddTransaction(domain.BankTransaction{ID: "t1", CompanyID: "c1"})

	if err := s.CommitMatch(ctx, store.CommitRequest{
		TransactionID: "t1", ReceivableID: "r1",
		Confidence: 1.0, Method: domain.MethodReference, Actor: "rule",
	}); err != nil {
		t.Fatal(err)
	}

	changes, err := s.ListStateChanges(ctx, "transaction", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 {
		t.Fatalf("got %d audit entries, want 1", len(changes))
	}
	if changes[0].FromState != "pending_review" || changes[0].ToState != "reconciled" {
		t.Errorf("audit entry = %+v", changes[0])
	}
}

func TestDiscardAndRestore(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.AddTransaction(domain.BankTransaction{ID: "t1", CompanyID: "c1", MatchAttempts: 4})

	if err := s.DiscardTransaction(ctx, "t1", "user:u1", "ignored"); err != nil {
		t.Fatal(err)
	}
	tx, _ := s.GetTransaction(ctx, "t1")
	if tx.State != domain.TxDiscarded {
		t.Fatalf("state = %s, want discarded", tx.State)
	}

	// Discarding again is an invalid transition, not a silent no-op.
	if err := s.DiscardTransaction(ctx, "t1", "user:u1", ""); !errors.Is(err, store.ErrInvalidState) {
		t.Errorf("double discard error = %v, want ErrInvalidState", err)
	}

	if err := s.RestoreTransaction(ctx, "t1", "user:u1"); err != nil {
		t.Fatal(err)
	}
	tx, _ = s.GetTransaction(ctx, "t1")
	if tx.State != domain.TxPendingReview {
		t.Fatalf("state after restore = %s, want pending_review", tx.State)
	}
	if tx.MatchAttempts != 0 {
		t.Errorf("restore should reset attempts, got %d", tx.MatchAttempts)
	}
}

func TestApplyPaymentEventIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.AddTransaction(domain.BankTransaction{ID: "t1", CompanyID: "c1", ProviderTxID: "PM123"})

	applied, err := s.ApplyPaymentEvent(ctx, "PM123", domain.TxReconciled, day)
	if err != nil || !applied {
		t.Fatalf("first apply = (%v, %v), want (true, nil)", applied, err)
	}

	applied, err = s.ApplyPaymentEvent(ctx, "PM123", domain.TxReconciled, day)
	if err != nil || applied {
		t.Fatalf("replayed apply = (%v, %v), want (false, nil)", applied, err)
	}

	// Unknown provider IDs match zero rows and are not an error.
	applied, err = s.ApplyPaymentEvent(ctx, "PM999", domain.TxReconciled, day)
	if err != nil || applied {
		t.Fatalf("unknown provider apply = (%v, %v), want (false, nil)", applied, err)
	}
}

func TestApplyMandateEventUpdatesConnection(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.AddMandate(domain.SepaMandate{ID: "m1", CompanyID: "c1", ProviderMandateID: "MD001", State: domain.MandateActive})
	s.AddConnection(domain.BankConnection{ID: "conn1", CompanyID: "c1", State: domain.ConnectionConnected})

	applied, err := s.ApplyMandateEvent(ctx, "MD001", domain.MandateCancelled, day)
	if err != nil || !applied {
		t.Fatalf("apply = (%v, %v), want (true, nil)", applied, err)
	}

	conn, _ := s.GetConnection("conn1")
	if conn.State != domain.ConnectionDisconnected {
		t.Errorf("connection state = %s, want disconnected", conn.State)
	}
	if conn.DisconnectedAt == nil || !conn.DisconnectedAt.Equal(day) {
		t.Errorf("DisconnectedAt = %v, want %v", conn.DisconnectedAt, day)
	}
}

func TestListPendingOrderAndLimit(t *testing.T) {
	s := New()
	ctx := context.Background()

	s.AddTransaction(domain.BankTransaction{ID: "b", CompanyID: "c1", PostingDate: day.AddDate(0, 0, 2)})
	s.AddTransaction(domain.BankTransaction{ID: "a", CompanyID: "c1", PostingDate: day})
	s.AddTransaction(domain.BankTransaction{ID: "c", CompanyID: "c1", PostingDate: day.AddDate(0, 0, 4)})
	s.AddTransaction(domain.BankTransaction{ID: "other", CompanyID: "c2", PostingDate: day})

	got, err := s.ListPendingTransactions(ctx, "c1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("ListPendingTransactions = %v, want [a b] oldest first", got)
	}
}
