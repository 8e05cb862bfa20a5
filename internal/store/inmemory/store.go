// Package inmemory provides an in-memory TransactionStore. It is safe for
// concurrent use and backs tests, the identify CLI path and single-instance
// deployments without Postgres. Data is lost on restart.
package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fincaops/recon-engine/internal/domain"
	"github.com/fincaops/recon-engine/internal/store"
)

// Store keeps all reconciliation state in process memory.
type Store struct {
	mu           sync.RWMutex
	transactions map[string]*domain.BankTransaction
	receivables  map[string]*domain.Receivable
	mandates     map[string]*domain.SepaMandate
	connections  map[string]*domain.BankConnection
	changes      []store.StateChange

	// providerIndex maps companyID+providerTxID to a transaction ID for
	// ingestion dedupe.
	providerIndex map[string]string

	now func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		transactions:  make(map[string]*domain.BankTransaction),
		receivables:   make(map[string]*domain.Receivable),
		mandates:      make(map[string]*domain.SepaMandate),
		connections:   make(map[string]*domain.BankConnection),
		providerIndex: make(map[string]string),
		now:           time.Now,
	}
}

// SetClock overrides the store clock. Test helper.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func providerKey(companyID, providerTxID string) string {
	return companyID + "\x00" + providerTxID
}

// IngestTransactions implements store.TransactionStore.
func (s *Store) IngestTransactions(ctx context.Context, companyID, connectionID string, txs []domain.ProviderTransaction) (store.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res store.IngestResult
	for _, pt := range txs {
		if pt.ProviderTxID != "" {
			if _, dup := s.providerIndex[providerKey(companyID, pt.ProviderTxID)]; dup {
				res.Skipped++
				continue
			}
		}
		now := s.now()
		tx := &domain.BankTransaction{
			ID:           uuid.NewString(),
			CompanyID:    companyID,
			ConnectionID: connectionID,
			PostingDate:  pt.Date,
			Description:  pt.Description,
			Amount:       pt.Amount,
			Currency:     pt.Currency,
			PayerName:    pt.PayerName,
			ProviderTxID: pt.ProviderTxID,
			State:        domain.TxPendingReview,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.transactions[tx.ID] = tx
		if pt.ProviderTxID != "" {
			s.providerIndex[providerKey(companyID, pt.ProviderTxID)] = tx.ID
		}
		res.Inserted++
	}
	return res, nil
}

// ListPendingTransactions implements store.TransactionStore.
func (s *Store) ListPendingTransactions(ctx context.Context, companyID string, limit int) ([]domain.BankTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.BankTransaction
	for _, tx := range s.transactions {
		if tx.CompanyID == companyID && tx.State == domain.TxPendingReview {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PostingDate.Equal(out[j].PostingDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].PostingDate.Before(out[j].PostingDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountPendingTransactions implements store.TransactionStore.
func (s *Store) CountPendingTransactions(ctx context.Context, companyID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, tx := range s.transactions {
		if tx.CompanyID == companyID && tx.State == domain.TxPendingReview {
			n++
		}
	}
	return n, nil
}

// ListOpenReceivables implements store.TransactionStore.
func (s *Store) ListOpenReceivables(ctx context.Context, companyID string) ([]domain.Receivable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Receivable
	for _, r := range s.receivables {
		if r.CompanyID == companyID && r.Open() {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CommitMatch implements store.TransactionStore. The whole check-and-set runs
// under one lock, so the first committer wins and the loser sees
// ErrAlreadySettled.
func (s *Store) CommitMatch(ctx context.Context, req store.CommitRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[req.TransactionID]
	if !ok {
		return store.ErrNotFound
	}
	rcv, ok := s.receivables[req.ReceivableID]
	if !ok {
		return store.ErrNotFound
	}
	if tx.State != domain.TxPendingReview || !rcv.Open() {
		return store.ErrAlreadySettled
	}

	at := req.At
	if at.IsZero() {
		at = s.now()
	}

	tx.State = domain.TxReconciled
	tx.UpdatedAt = at
	tx.Reconciliation = &domain.ReconciliationMeta{
		ReceivableID: req.ReceivableID,
		Confidence:   req.Confidence,
		Method:       req.Method,
		ReviewedBy:   req.Actor,
		MatchedAt:    at,
	}
	rcv.State = domain.ReceivableSettled
	rcv.SettledBy = tx.ID
	rcv.SettledAt = at

	s.appendChangeLocked(store.StateChange{
		EntityKind: "transaction",
		EntityID:   tx.ID,
		CompanyID:  tx.CompanyID,
		FromState:  string(domain.TxPendingReview),
		ToState:    string(domain.TxReconciled),
		Actor:      req.Actor,
		Note:       string(req.Method),
		OccurredAt: at,
	})
	s.appendChangeLocked(store.StateChange{
		EntityKind: "receivable",
		EntityID:   rcv.ID,
		CompanyID:  rcv.CompanyID,
		FromState:  string(domain.ReceivableOpen),
		ToState:    string(domain.ReceivableSettled),
		Actor:      req.Actor,
		OccurredAt: at,
	})
	return nil
}

// RecordAttempt implements store.TransactionStore.
func (s *Store) RecordAttempt(ctx context.Context, transactionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[transactionID]
	if !ok {
		return 0, store.ErrNotFound
	}
	tx.MatchAttempts++
	tx.UpdatedAt = s.now()
	return tx.MatchAttempts, nil
}

// DiscardTransaction implements store.TransactionStore.
func (s *Store) DiscardTransaction(ctx context.Context, transactionID, actor, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[transactionID]
	if !ok {
		return store.ErrNotFound
	}
	if tx.State != domain.TxPendingReview {
		return store.ErrInvalidState
	}
	at := s.now()
	tx.State = domain.TxDiscarded
	tx.UpdatedAt = at
	s.appendChangeLocked(store.StateChange{
		EntityKind: "transaction",
		EntityID:   tx.ID,
		CompanyID:  tx.CompanyID,
		FromState:  string(domain.TxPendingReview),
		ToState:    string(domain.TxDiscarded),
		Actor:      actor,
		Note:       note,
		OccurredAt: at,
	})
	return nil
}

// RestoreTransaction implements store.TransactionStore.
func (s *Store) RestoreTransaction(ctx context.Context, transactionID, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[transactionID]
	if !ok {
		return store.ErrNotFound
	}
	if tx.State != domain.TxDiscarded {
		return store.ErrInvalidState
	}
	at := s.now()
	tx.State = domain.TxPendingReview
	tx.MatchAttempts = 0
	tx.UpdatedAt = at
	s.appendChangeLocked(store.StateChange{
		EntityKind: "transaction",
		EntityID:   tx.ID,
		CompanyID:  tx.CompanyID,
		FromState:  string(domain.TxDiscarded),
		ToState:    string(domain.TxPendingReview),
		Actor:      actor,
		OccurredAt: at,
	})
	return nil
}

// GetTransaction implements store.TransactionStore.
func (s *Store) GetTransaction(ctx context.Context, transactionID string) (domain.BankTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[transactionID]
	if !ok {
		return domain.BankTransaction{}, store.ErrNotFound
	}
	return *tx, nil
}

// ApplyPaymentEvent implements store.EventApplier. The transition is an
// idempotent assignment: a transaction already in the target state reports
// applied=false, and an unknown provider ID matches zero rows without error.
func (s *Store) ApplyPaymentEvent(ctx context.Context, providerTxID string, state domain.TransactionState, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tx *domain.BankTransaction
	for _, candidate := range s.transactions {
		if candidate.ProviderTxID == providerTxID {
			tx = candidate
			break
		}
	}
	if tx == nil || tx.State == state {
		return false, nil
	}

	from := tx.State
	tx.State = state
	tx.UpdatedAt = at
	s.appendChangeLocked(store.StateChange{
		EntityKind: "transaction",
		EntityID:   tx.ID,
		CompanyID:  tx.CompanyID,
		FromState:  string(from),
		ToState:    string(state),
		Actor:      "webhook",
		OccurredAt: at,
	})
	return true, nil
}

// ApplyMandateEvent implements store.EventApplier.
func (s *Store) ApplyMandateEvent(ctx context.Context, providerMandateID string, state domain.MandateState, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m *domain.SepaMandate
	for _, candidate := range s.mandates {
		if candidate.ProviderMandateID == providerMandateID {
			m = candidate
			break
		}
	}
	if m == nil || m.State == state {
		return false, nil
	}

	from := m.State
	m.State = state
	m.UpdatedAt = at
	s.appendChangeLocked(store.StateChange{
		EntityKind: "mandate",
		EntityID:   m.ID,
		CompanyID:  m.CompanyID,
		FromState:  string(from),
		ToState:    string(state),
		Actor:      "webhook",
		OccurredAt: at,
	})

	s.mirrorMandateOnConnectionLocked(m, state, at)
	return true, nil
}

func (s *Store) mirrorMandateOnConnectionLocked(m *domain.SepaMandate, state domain.MandateState, at time.Time) {
	for _, conn := range s.connections {
		if conn.CompanyID != m.CompanyID {
			continue
		}
		var target domain.ConnectionState
		switch state {
		case domain.MandateActive:
			target = domain.ConnectionConnected
		case domain.MandateCancelled, domain.MandateExpired, domain.MandateFailed:
			target = domain.ConnectionDisconnected
		default:
			return
		}
		if conn.State == target {
			return
		}
		from := conn.State
		conn.State = target
		if target == domain.ConnectionDisconnected {
			ts := at
			conn.DisconnectedAt = &ts
		} else {
			conn.ConnectedAt = at
			conn.DisconnectedAt = nil
		}
		s.appendChangeLocked(store.StateChange{
			EntityKind: "connection",
			EntityID:   conn.ID,
			CompanyID:  conn.CompanyID,
			FromState:  string(from),
			ToState:    string(target),
			Actor:      "webhook",
			OccurredAt: at,
		})
		return
	}
}

// AppendStateChange implements store.TransactionStore.
func (s *Store) AppendStateChange(ctx context.Context, change store.StateChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendChangeLocked(change)
	return nil
}

func (s *Store) appendChangeLocked(change store.StateChange) {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	if change.OccurredAt.IsZero() {
		change.OccurredAt = s.now()
	}
	s.changes = append(s.changes, change)
}

// ListStateChanges implements store.TransactionStore.
func (s *Store) ListStateChanges(ctx context.Context, entityKind, entityID string) ([]store.StateChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.StateChange
	for _, c := range s.changes {
		if c.EntityKind == entityKind && c.EntityID == entityID {
			out = append(out, c)
		}
	}
	return out, nil
}

// AddTransaction seeds a transaction directly, bypassing ingestion. Used by
// tests and fixtures.
func (s *Store) AddTransaction(tx domain.BankTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.State == "" {
		tx.State = domain.TxPendingReview
	}
	cp := tx
	s.transactions[tx.ID] = &cp
	if tx.ProviderTxID != "" {
		s.providerIndex[providerKey(tx.CompanyID, tx.ProviderTxID)] = tx.ID
	}
}

// AddReceivable seeds a receivable.
func (s *Store) AddReceivable(r domain.Receivable) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.State == "" {
		r.State = domain.ReceivableOpen
	}
	cp := r
	s.receivables[r.ID] = &cp
}

// AddMandate seeds a mandate.
func (s *Store) AddMandate(m domain.SepaMandate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	cp := m
	s.mandates[m.ID] = &cp
}

// AddConnection seeds a bank connection.
func (s *Store) AddConnection(c domain.BankConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	cp := c
	s.connections[c.ID] = &cp
}

// GetReceivable fetches a receivable copy. Test helper.
func (s *Store) GetReceivable(id string) (domain.Receivable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.receivables[id]
	if !ok {
		return domain.Receivable{}, false
	}
	return *r, true
}

// GetConnection fetches a connection copy. Test helper.
func (s *Store) GetConnection(id string) (domain.BankConnection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.connections[id]
	if !ok {
		return domain.BankConnection{}, false
	}
	return *c, true
}

// Ensure Store implements the full persistence contract.
var _ store.TransactionStore = (*Store)(nil)
