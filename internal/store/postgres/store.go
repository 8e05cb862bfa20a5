// Package postgres implements the TransactionStore on PostgreSQL. Settlement
// races are resolved with conditional UPDATEs: the losing writer's statement
// matches zero rows and surfaces as ErrAlreadySettled, never as corruption.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/fincaops/recon-engine/internal/domain"
	"github.com/fincaops/recon-engine/internal/store"
)

// Store is a PostgreSQL-backed TransactionStore.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres, verifies the connection and creates the schema
// when missing.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: init schema: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS bank_transactions (
			id              UUID PRIMARY KEY,
			company_id      TEXT NOT NULL,
			connection_id   TEXT NOT NULL DEFAULT '',
			posting_date    DATE NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			amount          NUMERIC(14,4) NOT NULL,
			currency        TEXT NOT NULL,
			category        TEXT NOT NULL DEFAULT '',
			payer_name      TEXT NOT NULL DEFAULT '',
			provider_tx_id  TEXT,
			state           TEXT NOT NULL DEFAULT 'pending_review',
			match_attempts  INT NOT NULL DEFAULT 0,
			receivable_id   TEXT,
			confidence      DOUBLE PRECISION,
			match_method    TEXT,
			reviewed_by     TEXT,
			matched_at      TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		// Provider transaction IDs are unique per company; NULLs are exempt.
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_bank_tx_company_provider
			ON bank_transactions (company_id, provider_tx_id)
			WHERE provider_tx_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS ix_bank_tx_company_state
			ON bank_transactions (company_id, state)`,
		`CREATE TABLE IF NOT EXISTS receivables (
			id          UUID PRIMARY KEY,
			company_id  TEXT NOT NULL,
			kind        TEXT NOT NULL DEFAULT 'rent',
			amount      NUMERIC(14,4) NOT NULL,
			currency    TEXT NOT NULL,
			due_date    DATE NOT NULL,
			reference   TEXT NOT NULL DEFAULT '',
			payer_name  TEXT NOT NULL DEFAULT '',
			state       TEXT NOT NULL DEFAULT 'open',
			settled_by  TEXT,
			settled_at  TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS ix_receivables_company_state
			ON receivables (company_id, state)`,
		`CREATE TABLE IF NOT EXISTS sepa_mandates (
			id                  UUID PRIMARY KEY,
			company_id          TEXT NOT NULL,
			provider_mandate_id TEXT NOT NULL,
			payer_name          TEXT NOT NULL DEFAULT '',
			iban_last4          TEXT NOT NULL DEFAULT '',
			state               TEXT NOT NULL DEFAULT 'pending',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_mandates_provider
			ON sepa_mandates (provider_mandate_id)`,
		`CREATE TABLE IF NOT EXISTS bank_connections (
			id              UUID PRIMARY KEY,
			company_id      TEXT NOT NULL,
			provider        TEXT NOT NULL DEFAULT '',
			state           TEXT NOT NULL DEFAULT 'pending',
			connected_at    TIMESTAMPTZ,
			disconnected_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS state_changes (
			id          UUID PRIMARY KEY,
			entity_kind TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			company_id  TEXT NOT NULL DEFAULT '',
			from_state  TEXT NOT NULL,
			to_state    TEXT NOT NULL,
			actor       TEXT NOT NULL DEFAULT '',
			note        TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS ix_state_changes_entity
			ON state_changes (entity_kind, entity_id, occurred_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %.40q: %w", stmt, err)
		}
	}
	return nil
}

// IngestTransactions implements store.TransactionStore. The per-company
// uniqueness of provider_tx_id is enforced by the partial unique index;
// conflicts are skipped with ON CONFLICT DO NOTHING.
func (s *Store) IngestTransactions(ctx context.Context, companyID, connectionID string, txs []domain.ProviderTransaction) (store.IngestResult, error) {
	var res store.IngestResult
	if len(txs) == 0 {
		return res, nil
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("postgres: begin ingest: %w", err)
	}
	defer dbTx.Rollback()

	const q = `
		INSERT INTO bank_transactions
			(id, company_id, connection_id, posting_date, description, amount, currency, payer_name, provider_tx_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		ON CONFLICT (company_id, provider_tx_id) WHERE provider_tx_id IS NOT NULL DO NOTHING`

	for _, pt := range txs {
		result, err := dbTx.ExecContext(ctx, q,
			uuid.NewString(), companyID, connectionID, pt.Date, pt.Description,
			pt.Amount.String(), pt.Currency, pt.PayerName, pt.ProviderTxID)
		if err != nil {
			return store.IngestResult{}, fmt.Errorf("postgres: ingest insert: %w", err)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			res.Skipped++
		} else {
			res.Inserted++
		}
	}

	if err := dbTx.Commit(); err != nil {
		return store.IngestResult{}, fmt.Errorf("postgres: commit ingest: %w", err)
	}
	return res, nil
}

// ListPendingTransactions implements store.TransactionStore.
func (s *Store) ListPendingTransactions(ctx context.Context, companyID string, limit int) ([]domain.BankTransaction, error) {
	const q = `
		SELECT id, company_id, connection_id, posting_date, description, amount::text,
		       currency, category, payer_name, COALESCE(provider_tx_id, ''), state,
		       match_attempts, created_at, updated_at
		FROM bank_transactions
		WHERE company_id = $1 AND state = 'pending_review'
		ORDER BY posting_date, created_at
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, q, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending: %w", err)
	}
	defer rows.Close()

	var out []domain.BankTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pending: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// CountPendingTransactions implements store.TransactionStore.
func (s *Store) CountPendingTransactions(ctx context.Context, companyID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM bank_transactions WHERE company_id = $1 AND state = 'pending_review'`,
		companyID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count pending: %w", err)
	}
	return n, nil
}

// ListOpenReceivables implements store.TransactionStore.
func (s *Store) ListOpenReceivables(ctx context.Context, companyID string) ([]domain.Receivable, error) {
	const q = `
		SELECT id, company_id, kind, amount::text, currency, due_date, reference, payer_name, state
		FROM receivables
		WHERE company_id = $1 AND state = 'open'
		ORDER BY due_date, id`

	rows, err := s.db.QueryContext(ctx, q, companyID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list receivables: %w", err)
	}
	defer rows.Close()

	var out []domain.Receivable
	for rows.Next() {
		var r domain.Receivable
		var amount string
		if err := rows.Scan(&r.ID, &r.CompanyID, &r.Kind, &amount, &r.Currency,
			&r.DueDate, &r.Reference, &r.PayerName, &r.State); err != nil {
			return nil, fmt.Errorf("postgres: scan receivable: %w", err)
		}
		if r.Amount, err = parseAmount(amount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CommitMatch implements store.TransactionStore. Both conditional updates run
// inside one transaction; if either matches zero rows the receivable or the
// transaction was taken by a concurrent writer and the whole commit rolls
// back with ErrAlreadySettled.
func (s *Store) CommitMatch(ctx context.Context, req store.CommitRequest) error {
	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin commit: %w", err)
	}
	defer dbTx.Rollback()

	res, err := dbTx.ExecContext(ctx, `
		UPDATE receivables
		SET state = 'settled', settled_by = $1, settled_at = $2
		WHERE id = $3 AND state = 'open'`,
		req.TransactionID, at, req.ReceivableID)
	if err != nil {
		return fmt.Errorf("postgres: settle receivable: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrAlreadySettled
	}

	res, err = dbTx.ExecContext(ctx, `
		UPDATE bank_transactions
		SET state = 'reconciled', receivable_id = $1, confidence = $2,
		    match_method = $3, reviewed_by = $4, matched_at = $5, updated_at = $5
		WHERE id = $6 AND state = 'pending_review'`,
		req.ReceivableID, req.Confidence, string(req.Method), req.Actor, at, req.TransactionID)
	if err != nil {
		return fmt.Errorf("postgres: reconcile transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrAlreadySettled
	}

	if err := appendChangeTx(ctx, dbTx, store.StateChange{
		EntityKind: "transaction",
		EntityID:   req.TransactionID,
		FromState:  string(domain.TxPendingReview),
		ToState:    string(domain.TxReconciled),
		Actor:      req.Actor,
		Note:       string(req.Method),
		OccurredAt: at,
	}); err != nil {
		return err
	}
	if err := appendChangeTx(ctx, dbTx, store.StateChange{
		EntityKind: "receivable",
		EntityID:   req.ReceivableID,
		FromState:  string(domain.ReceivableOpen),
		ToState:    string(domain.ReceivableSettled),
		Actor:      req.Actor,
		OccurredAt: at,
	}); err != nil {
		return err
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit match: %w", err)
	}
	return nil
}

// RecordAttempt implements store.TransactionStore.
func (s *Store) RecordAttempt(ctx context.Context, transactionID string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE bank_transactions
		SET match_attempts = match_attempts + 1, updated_at = now()
		WHERE id = $1
		RETURNING match_attempts`, transactionID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: record attempt: %w", err)
	}
	return attempts, nil
}

// DiscardTransaction implements store.TransactionStore.
func (s *Store) DiscardTransaction(ctx context.Context, transactionID, actor, note string) error {
	return s.transition(ctx, transactionID, domain.TxPendingReview, domain.TxDiscarded, actor, note)
}

// RestoreTransaction implements store.TransactionStore. Restore also resets
// the attempt counter so the transaction gets a full set of fresh batch
// evaluations.
func (s *Store) RestoreTransaction(ctx context.Context, transactionID, actor string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bank_transactions
		SET state = 'pending_review', match_attempts = 0, updated_at = now()
		WHERE id = $1 AND state = 'discarded'`, transactionID)
	if err != nil {
		return fmt.Errorf("postgres: restore: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrInvalidState
	}
	return s.AppendStateChange(ctx, store.StateChange{
		EntityKind: "transaction",
		EntityID:   transactionID,
		FromState:  string(domain.TxDiscarded),
		ToState:    string(domain.TxPendingReview),
		Actor:      actor,
	})
}

func (s *Store) transition(ctx context.Context, id string, from, to domain.TransactionState, actor, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bank_transactions SET state = $1, updated_at = now()
		WHERE id = $2 AND state = $3`, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("postgres: transition %s: %w", to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrInvalidState
	}
	return s.AppendStateChange(ctx, store.StateChange{
		EntityKind: "transaction",
		EntityID:   id,
		FromState:  string(from),
		ToState:    string(to),
		Actor:      actor,
		Note:       note,
	})
}

// GetTransaction implements store.TransactionStore.
func (s *Store) GetTransaction(ctx context.Context, transactionID string) (domain.BankTransaction, error) {
	const q = `
		SELECT id, company_id, connection_id, posting_date, description, amount::text,
		       currency, category, payer_name, COALESCE(provider_tx_id, ''), state,
		       match_attempts, created_at, updated_at
		FROM bank_transactions WHERE id = $1`

	row := s.db.QueryRowContext(ctx, q, transactionID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BankTransaction{}, store.ErrNotFound
	}
	if err != nil {
		return domain.BankTransaction{}, fmt.Errorf("postgres: get transaction: %w", err)
	}
	return tx, nil
}

// ApplyPaymentEvent implements store.EventApplier. The update is an
// idempotent assignment: replays and unknown provider IDs both report
// applied=false without error.
func (s *Store) ApplyPaymentEvent(ctx context.Context, providerTxID string, state domain.TransactionState, at time.Time) (bool, error) {
	var id, from string
	err := s.db.QueryRowContext(ctx, `
		UPDATE bank_transactions t
		SET state = $1, updated_at = $2
		FROM (SELECT id, state AS prev FROM bank_transactions WHERE provider_tx_id = $3 AND state <> $1) old
		WHERE t.id = old.id
		RETURNING t.id, old.prev`, string(state), at, providerTxID).Scan(&id, &from)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: apply payment event: %w", err)
	}
	return true, s.AppendStateChange(ctx, store.StateChange{
		EntityKind: "transaction",
		EntityID:   id,
		FromState:  from,
		ToState:    string(state),
		Actor:      "webhook",
		OccurredAt: at,
	})
}

// ApplyMandateEvent implements store.EventApplier.
func (s *Store) ApplyMandateEvent(ctx context.Context, providerMandateID string, state domain.MandateState, at time.Time) (bool, error) {
	var id, companyID, from string
	err := s.db.QueryRowContext(ctx, `
		UPDATE sepa_mandates m
		SET state = $1, updated_at = $2
		FROM (SELECT id, company_id, state AS prev FROM sepa_mandates WHERE provider_mandate_id = $3 AND state <> $1) old
		WHERE m.id = old.id
		RETURNING m.id, old.company_id, old.prev`, string(state), at, providerMandateID).Scan(&id, &companyID, &from)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: apply mandate event: %w", err)
	}

	if err := s.AppendStateChange(ctx, store.StateChange{
		EntityKind: "mandate",
		EntityID:   id,
		CompanyID:  companyID,
		FromState:  from,
		ToState:    string(state),
		Actor:      "webhook",
		OccurredAt: at,
	}); err != nil {
		return true, err
	}

	switch state {
	case domain.MandateActive:
		_, err = s.db.ExecContext(ctx, `
			UPDATE bank_connections
			SET state = 'connected', connected_at = $1, disconnected_at = NULL
			WHERE company_id = $2 AND state <> 'connected'`, at, companyID)
	case domain.MandateCancelled, domain.MandateExpired, domain.MandateFailed:
		_, err = s.db.ExecContext(ctx, `
			UPDATE bank_connections
			SET state = 'disconnected', disconnected_at = $1
			WHERE company_id = $2 AND state <> 'disconnected'`, at, companyID)
	}
	if err != nil {
		return true, fmt.Errorf("postgres: mirror mandate on connection: %w", err)
	}
	return true, nil
}

// AppendStateChange implements store.TransactionStore.
func (s *Store) AppendStateChange(ctx context.Context, change store.StateChange) error {
	return appendChange(ctx, s.db, change)
}

// ListStateChanges implements store.TransactionStore.
func (s *Store) ListStateChanges(ctx context.Context, entityKind, entityID string) ([]store.StateChange, error) {
	const q = `
		SELECT id, entity_kind, entity_id, company_id, from_state, to_state, actor, note, occurred_at
		FROM state_changes
		WHERE entity_kind = $1 AND entity_id = $2
		ORDER BY occurred_at`

	rows, err := s.db.QueryContext(ctx, q, entityKind, entityID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list state changes: %w", err)
	}
	defer rows.Close()

	var out []store.StateChange
	for rows.Next() {
		var c store.StateChange
		if err := rows.Scan(&c.ID, &c.EntityKind, &c.EntityID, &c.CompanyID,
			&c.FromState, &c.ToState, &c.Actor, &c.Note, &c.OccurredAt); err != nil {
			return nil, fmt.Errorf("postgres: scan state change: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendChange(ctx context.Context, db execer, change store.StateChange) error {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	if change.OccurredAt.IsZero() {
		change.OccurredAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO state_changes (id, entity_kind, entity_id, company_id, from_state, to_state, actor, note, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		change.ID, change.EntityKind, change.EntityID, change.CompanyID,
		change.FromState, change.ToState, change.Actor, change.Note, change.OccurredAt)
	if err != nil {
		return fmt.Errorf("postgres: append state change: %w", err)
	}
	return nil
}

func appendChangeTx(ctx context.Context, tx *sql.Tx, change store.StateChange) error {
	return appendChange(ctx, tx, change)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (domain.BankTransaction, error) {
	var tx domain.BankTransaction
	var amount string
	err := row.Scan(&tx.ID, &tx.CompanyID, &tx.ConnectionID, &tx.PostingDate,
		&tx.Description, &amount, &tx.Currency, &tx.Category, &tx.PayerName,
		&tx.ProviderTxID, &tx.State, &tx.MatchAttempts, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return domain.BankTransaction{}, err
	}
	if tx.Amount, err = parseAmount(amount); err != nil {
		return domain.BankTransaction{}, err
	}
	return tx, nil
}

var _ store.TransactionStore = (*Store)(nil)
