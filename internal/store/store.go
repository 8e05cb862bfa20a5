// Package store defines the persistence abstraction for bank transactions,
// receivables, mandates and connections. The reconciliation engine mutates
// financial state exclusively through this interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fincaops/recon-engine/internal/domain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadySettled is returned by CommitMatch when the receivable was
	// settled by another transaction, or the transaction already left
	// pending_review. The caller lost the race; this is not a failure.
	ErrAlreadySettled = errors.New("store: receivable already settled")

	// ErrInvalidState is returned when a transition is requested from a
	// state that does not allow it.
	ErrInvalidState = errors.New("store: invalid state for transition")
)

// StateChange is one entry of the append-only audit trail. Prior states are
// never overwritten silently; every transition appends a row.
type StateChange struct {
	ID         string
	EntityKind string // "transaction", "mandate", "connection", "receivable"
	EntityID   string
	CompanyID  string
	FromState  string
	ToState    string
	Actor      string // "rule", "ai", "webhook", "user:<id>"
	Note       string
	OccurredAt time.Time
}

// IngestResult reports what an ingestion upsert did.
type IngestResult struct {
	Inserted int
	Skipped  int // provider transaction IDs already present for the company
}

// CommitRequest carries everything needed to atomically settle a receivable
// with a transaction.
type CommitRequest struct {
	TransactionID string
	ReceivableID  string
	Confidence    float64
	Method        domain.MatchMethod
	Actor         string
	At            time.Time
}

// TransactionStore is the persistence contract of the reconciliation engine.
type TransactionStore interface {
	// IngestTransactions inserts normalized provider transactions for a
	// company in state pending_review. Transactions whose provider ID is
	// already present for that company are skipped, not duplicated.
	IngestTransactions(ctx context.Context, companyID, connectionID string, txs []domain.ProviderTransaction) (IngestResult, error)

	// ListPendingTransactions returns up to limit transactions in
	// pending_review for the company, oldest first.
	ListPendingTransactions(ctx context.Context, companyID string, limit int) ([]domain.BankTransaction, error)

	// CountPendingTransactions counts pending_review transactions.
	CountPendingTransactions(ctx context.Context, companyID string) (int, error)

	// ListOpenReceivables returns the company's unsettled receivables.
	ListOpenReceivables(ctx context.Context, companyID string) ([]domain.Receivable, error)

	// CommitMatch transitions the transaction to reconciled and the
	// receivable to settled in one atomic, conditional step: both must
	// still be open, otherwise ErrAlreadySettled. First committer wins.
	CommitMatch(ctx context.Context, req CommitRequest) error

	// RecordAttempt increments the transaction's fruitless-evaluation
	// counter and returns the new value.
	RecordAttempt(ctx context.Context, transactionID string) (int, error)

	// DiscardTransaction moves a pending_review transaction to discarded.
	DiscardTransaction(ctx context.Context, transactionID, actor, note string) error

	// RestoreTransaction moves a discarded transaction back to
	// pending_review. Explicit user action only, never automatic.
	RestoreTransaction(ctx context.Context, transactionID, actor string) error

	// GetTransaction fetches one transaction.
	GetTransaction(ctx context.Context, transactionID string) (domain.BankTransaction, error)

	EventApplier

	// AppendStateChange records an audit entry. Implementations also call
	// this internally for the transitions they perform.
	AppendStateChange(ctx context.Context, change StateChange) error

	// ListStateChanges returns the audit trail of one entity, oldest first.
	ListStateChanges(ctx context.Context, entityKind, entityID string) ([]StateChange, error)
}

// EventApplier is the narrow mutation surface used by the webhook processor.
// Both methods are idempotent assignments keyed by provider identifiers:
// applying the same event twice reports applied=false the second time, and a
// provider ID matching no row is not an error (the transaction may simply not
// have been ingested yet).
type EventApplier interface {
	// ApplyPaymentEvent sets the state of the transaction carrying the
	// given provider transaction ID. applied is false when no row matched
	// or the row was already in the requested state.
	ApplyPaymentEvent(ctx context.Context, providerTxID string, state domain.TransactionState, at time.Time) (applied bool, err error)

	// ApplyMandateEvent sets mandate state by provider mandate ID and
	// mirrors it onto the owning connection: active mandates connect it,
	// terminal mandate states disconnect it with a timestamp.
	ApplyMandateEvent(ctx context.Context, providerMandateID string, state domain.MandateState, at time.Time) (applied bool, err error)
}
