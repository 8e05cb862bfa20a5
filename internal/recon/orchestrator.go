// Package recon drives batch reconciliation runs: it pulls pending
// transactions per company, asks the rule matcher and, when allowed, the AI
// assist for a verdict, and commits state transitions through the store.
//
// Companies in scope are partitioned across a small worker pool; each company
// is consumed by exactly one worker per run, so no two workers ever touch the
// same company's pending set concurrently.
package recon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/fincaops/recon-engine/internal/assist"
	"github.com/fincaops/recon-engine/internal/domain"
	"github.com/fincaops/recon-engine/internal/match"
	"github.com/fincaops/recon-engine/internal/metrics"
	"github.com/fincaops/recon-engine/internal/store"
)

// Assist is the classifier surface the orchestrator needs. Nil disables AI
// assist entirely.
type Assist interface {
	Classify(ctx context.Context, tx assist.TransactionSummary, candidates []assist.CandidateSummary) (domain.MatchResult, error)
}

// Config holds the orchestrator tuning.
type Config struct {
	// RuleThreshold: below this rule confidence the AI assist is consulted.
	RuleThreshold float64
	// AutoCommitThreshold: at or above this confidence a match commits.
	AutoCommitThreshold float64
	// MaxAttempts discards a transaction that stayed without any plausible
	// candidate for this many batch evaluations.
	MaxAttempts int
	// WorkerCount bounds company-level concurrency.
	WorkerCount int
	// AIBudgetPerBatch caps model calls per batch run.
	AIBudgetPerBatch int
	// DefaultLimit applies when the caller passes limit <= 0.
	DefaultLimit int
}

// Orchestrator coordinates one batch run at a time. It is constructed per
// process with injected dependencies and holds no global state, so parallel
// runs on disjoint scopes are safe.
type Orchestrator struct {
	store   store.TransactionStore
	matcher *match.Matcher
	assist  Assist
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates an orchestrator. assist may be nil when AI is disabled.
func New(st store.TransactionStore, matcher *match.Matcher, ai Assist, cfg Config, log zerolog.Logger, m *metrics.Metrics) *Orchestrator {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Orchestrator{
		store:   st,
		matcher: matcher,
		assist:  ai,
		cfg:     cfg,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// SetClock overrides the orchestrator clock. Test helper.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// batchState is the shared bookkeeping of one run.
type batchState struct {
	remaining int64 // transactions the run may still process
	aiBudget  int64 // model calls the run may still spend

	mu      sync.Mutex
	summary domain.BatchSummary
}

func (b *batchState) record(res domain.TransactionResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary.Processed++
	if res.Match.Matched() {
		b.summary.Matched++
	}
	switch res.Outcome {
	case domain.OutcomeReconciled:
		b.summary.Reconciled++
	case domain.OutcomeDiscarded:
		b.summary.Discarded++
	case domain.OutcomeError:
		b.summary.Failed++
	}
	b.summary.Results = append(b.summary.Results, res)
}

// ReconcileBatch processes at most limit pending transactions across the
// scope. Invoking it again with no new transactions is a no-op: anything
// outside pending_review is never re-evaluated. A single transaction's
// failure is recorded per item and never aborts the batch.
func (o *Orchestrator) ReconcileBatch(ctx context.Context, scope domain.ReconciliationScope, limit int, useAI bool) (domain.BatchSummary, error) {
	if scope.Size() == 0 {
		return domain.BatchSummary{}, fmt.Errorf("recon: empty scope")
	}
	if limit <= 0 {
		limit = o.cfg.DefaultLimit
	}

	started := o.now()
	state := &batchState{remaining: int64(limit)}
	if useAI && o.assist != nil {
		state.aiBudget = int64(o.cfg.AIBudgetPerBatch)
	}
	state.summary.StartedAt = started
	state.summary.Companies = scope.Size()

	companies := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.WorkerCount; i++ {
		g.Go(func() error {
			for companyID := range companies {
				o.runCompany(gctx, companyID, useAI, state)
			}
			return nil
		})
	}

feed:
	for _, companyID := range scope.CompanyIDs() {
		select {
		case companies <- companyID:
		case <-gctx.Done():
			break feed
		}
	}
	close(companies)

	if err := g.Wait(); err != nil {
		return state.summary, err
	}

	state.summary.AICallsUsed = int(int64(o.cfg.AIBudgetPerBatch) - state.aiBudget)
	if !useAI || o.assist == nil {
		state.summary.AICallsUsed = 0
	}
	state.summary.Duration = o.now().Sub(started)

	o.metrics.BatchesTotal.Inc()
	o.metrics.BatchDuration.Observe(state.summary.Duration.Seconds())

	o.log.Info().
		Int("processed", state.summary.Processed).
		Int("reconciled", state.summary.Reconciled).
		Int("discarded", state.summary.Discarded).
		Int("failed", state.summary.Failed).
		Int("ai_calls", state.summary.AICallsUsed).
		Int("companies", state.summary.Companies).
		Dur("duration", state.summary.Duration).
		Msg("Batch reconciliation finished")

	return state.summary, nil
}

// runCompany processes one company's pending transactions. Errors listing a
// company's data skip that company for this run; the batch carries on.
func (o *Orchestrator) runCompany(ctx context.Context, companyID string, useAI bool, state *batchState) {
	claim := int(atomic.LoadInt64(&state.remaining))
	if claim <= 0 {
		return
	}

	pending, err := o.store.ListPendingTransactions(ctx, companyID, claim)
	if err != nil {
		o.log.Error().Err(err).Str("company_id", companyID).Msg("Listing pending transactions failed, skipping company")
		return
	}
	if len(pending) == 0 {
		return
	}

	receivables, err := o.store.ListOpenReceivables(ctx, companyID)
	if err != nil {
		o.log.Error().Err(err).Str("company_id", companyID).Msg("Listing receivables failed, skipping company")
		return
	}

	for _, tx := range pending {
		if atomic.AddInt64(&state.remaining, -1) < 0 {
			return
		}
		res := o.processOne(ctx, tx, receivables, useAI, state)
		state.record(res)
		o.metrics.TransactionsByOutcome.WithLabelValues(string(res.Outcome)).Inc()
		if res.Match.Method != "" {
			o.metrics.MatchesByMethod.WithLabelValues(string(res.Match.Method)).Inc()
		}

		// Drop a settled receivable from the working set so later
		// transactions in this company can no longer propose it.
		if res.Outcome == domain.OutcomeReconciled {
			receivables = withoutReceivable(receivables, res.Match.ReceivableID)
		}
	}
}

// processOne evaluates and transitions a single transaction. Panics are
// contained here: a per-item failure becomes an error outcome, not a batch
// abort.
func (o *Orchestrator) processOne(ctx context.Context, tx domain.BankTransaction, receivables []domain.Receivable, useAI bool, state *batchState) (res domain.TransactionResult) {
	res = domain.TransactionResult{TransactionID: tx.ID, CompanyID: tx.CompanyID, Outcome: domain.OutcomePending}
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Interface("panic", r).Str("transaction_id", tx.ID).Msg("Transaction evaluation panicked")
			res.Outcome = domain.OutcomeError
			res.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	// State guard: anything already out of pending_review is skipped, not
	// re-evaluated.
	if tx.State != domain.TxPendingReview {
		res.Match = domain.MatchResult{Method: domain.MethodNone}
		return res
	}

	verdict := o.matcher.Match(tx, receivables)

	if useAI && o.assist != nil && verdict.Confidence < o.cfg.RuleThreshold {
		if aiVerdict, ok := o.tryAssist(ctx, tx, receivables, state); ok && aiVerdict.Confidence > verdict.Confidence {
			verdict = aiVerdict
		}
	}
	res.Match = verdict

	if verdict.Matched() && verdict.Confidence >= o.cfg.AutoCommitThreshold {
		err := o.store.CommitMatch(ctx, store.CommitRequest{
			TransactionID: tx.ID,
			ReceivableID:  verdict.ReceivableID,
			Confidence:    verdict.Confidence,
			Method:        verdict.Method,
			Actor:         actorFor(verdict.Method),
			At:            o.now(),
		})
		switch {
		case err == nil:
			res.Outcome = domain.OutcomeReconciled
			return res
		case errors.Is(err, store.ErrAlreadySettled):
			// Lost the race; re-evaluated on the next batch.
			res.Outcome = domain.OutcomeConflict
			return res
		default:
			res.Outcome = domain.OutcomeError
			res.Error = err.Error()
			return res
		}
	}

	attempts, err := o.store.RecordAttempt(ctx, tx.ID)
	if err != nil {
		res.Outcome = domain.OutcomeError
		res.Error = err.Error()
		return res
	}

	if verdict.Method == domain.MethodNone && o.cfg.MaxAttempts > 0 && attempts >= o.cfg.MaxAttempts {
		note := fmt.Sprintf("no plausible candidate after %d attempts", attempts)
		if err := o.store.DiscardTransaction(ctx, tx.ID, "rule", note); err != nil {
			res.Outcome = domain.OutcomeError
			res.Error = err.Error()
			return res
		}
		res.Outcome = domain.OutcomeDiscarded
	}
	return res
}

// tryAssist spends one unit of AI budget if any remains. The model call
// happens before any state mutation, so nothing is locked across it.
func (o *Orchestrator) tryAssist(ctx context.Context, tx domain.BankTransaction, receivables []domain.Receivable, state *batchState) (domain.MatchResult, bool) {
	if atomic.AddInt64(&state.aiBudget, -1) < 0 {
		atomic.AddInt64(&state.aiBudget, 1)
		return domain.MatchResult{}, false
	}

	verdict, err := o.assist.Classify(ctx, assist.SummarizeTransaction(tx), assist.SummarizeCandidates(receivables))
	if err != nil {
		// Unavailable by contract; the transaction stays unresolved.
		o.metrics.AICallsTotal.WithLabelValues("unavailable").Inc()
		o.log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("AI assist unavailable")
		return domain.MatchResult{}, false
	}
	o.metrics.AICallsTotal.WithLabelValues("ok").Inc()
	return verdict, true
}

// Count returns the number of pending transactions across the scope.
func (o *Orchestrator) Count(ctx context.Context, scope domain.ReconciliationScope) (int, error) {
	total := 0
	for _, companyID := range scope.CompanyIDs() {
		n, err := o.store.CountPendingTransactions(ctx, companyID)
		if err != nil {
			return 0, fmt.Errorf("recon: counting pending for %s: %w", companyID, err)
		}
		total += n
	}
	return total, nil
}

// IdentifyRequest is an ad-hoc classification probe.
type IdentifyRequest struct {
	Description string
	Amount      decimal.Decimal
	Currency    string
	Date        time.Time
	PayerName   string
	UseAI       bool
}

// Identify runs the matcher (and optionally one AI call) against the scope's
// open receivables without mutating any state.
func (o *Orchestrator) Identify(ctx context.Context, scope domain.ReconciliationScope, req IdentifyRequest) (domain.MatchResult, error) {
	var receivables []domain.Receivable
	for _, companyID := range scope.CompanyIDs() {
		rs, err := o.store.ListOpenReceivables(ctx, companyID)
		if err != nil {
			return domain.MatchResult{}, fmt.Errorf("recon: listing receivables for %s: %w", companyID, err)
		}
		receivables = append(receivables, rs...)
	}

	if req.Date.IsZero() {
		req.Date = o.now()
	}
	if req.Currency == "" {
		req.Currency = "EUR"
	}
	tx := domain.BankTransaction{
		CompanyID:   scope.ActiveCompanyID(),
		PostingDate: req.Date,
		Description: req.Description,
		Amount:      req.Amount,
		Currency:    req.Currency,
		PayerName:   req.PayerName,
		State:       domain.TxPendingReview,
	}

	verdict := o.matcher.Match(tx, receivables)
	if req.UseAI && o.assist != nil && verdict.Confidence < o.cfg.RuleThreshold {
		aiVerdict, err := o.assist.Classify(ctx, assist.SummarizeTransaction(tx), assist.SummarizeCandidates(receivables))
		if err == nil && aiVerdict.Confidence > verdict.Confidence {
			verdict = aiVerdict
		}
	}
	return verdict, nil
}

func actorFor(method domain.MatchMethod) string {
	if method == domain.MethodAI {
		return "ai"
	}
	return "rule"
}

func withoutReceivable(receivables []domain.Receivable, id string) []domain.Receivable {
	out := receivables[:0]
	for _, r := range receivables {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}
