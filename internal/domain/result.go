package domain

import "time"

// MatchMethod names the rule or stage that produced a match decision.
type MatchMethod string

const (
	// MethodReference is an exact payment-reference hit. Always 1.0.
	MethodReference MatchMethod = "reference"
	// MethodHeuristic combines amount, date window and payer similarity.
	MethodHeuristic MatchMethod = "heuristic"
	// MethodAmount is a unique amount-only hit in a tight date window.
	MethodAmount MatchMethod = "amount"
	// MethodAI is an AI-assisted classification. Never reported as 1.0 so
	// audit trails stay distinguishable from rule-certain matches.
	MethodAI MatchMethod = "ai"
	// MethodAmbiguous means several candidates satisfied the same rule too
	// closely to pick a winner.
	MethodAmbiguous MatchMethod = "ambiguous"
	// MethodNone means no rule produced a candidate.
	MethodNone MatchMethod = "none"
)

// MatchResult is the outcome of matching one transaction against the open
// receivables of its company.
type MatchResult struct {
	ReceivableID string      `json:"receivable_id,omitempty"`
	Confidence   float64     `json:"confidence"`
	Method       MatchMethod `json:"method"`
	Reason       string      `json:"reason,omitempty"`
}

// Matched reports whether a concrete candidate was proposed.
func (m MatchResult) Matched() bool {
	return m.ReceivableID != "" && m.Method != MethodNone && m.Method != MethodAmbiguous
}

// TransactionOutcome is what the batch did with a single transaction.
type TransactionOutcome string

const (
	OutcomeReconciled TransactionOutcome = "reconciled"
	OutcomeDiscarded  TransactionOutcome = "discarded"
	OutcomePending    TransactionOutcome = "pending"
	OutcomeConflict   TransactionOutcome = "conflict" // lost a settlement race
	OutcomeError      TransactionOutcome = "error"
)

// TransactionResult is the per-item entry of a batch run.
type TransactionResult struct {
	TransactionID string             `json:"transaction_id"`
	CompanyID     string             `json:"company_id"`
	Outcome       TransactionOutcome `json:"outcome"`
	Match         MatchResult        `json:"match"`
	Error         string             `json:"error,omitempty"`
}

// BatchSummary is the aggregate result of one reconcileBatch invocation.
type BatchSummary struct {
	Processed   int                 `json:"processed"`
	Matched     int                 `json:"matched"`
	Reconciled  int                 `json:"reconciled"`
	Discarded   int                 `json:"discarded"`
	Failed      int                 `json:"failed"`
	AICallsUsed int                 `json:"ai_calls_used"`
	Companies   int                 `json:"companies"`
	StartedAt   time.Time           `json:"started_at"`
	Duration    time.Duration       `json:"duration"`
	Results     []TransactionResult `json:"results"`
}
