// Package match implements deterministic, explainable matching of one bank
// transaction against the open receivables of its company.
//
// Rules run in priority order and the first satisfied rule wins:
//
//  1. exact payment-reference hit in the description (confidence 1.0)
//  2. amount + due-date window + payer-name similarity (0.6 to 0.9)
//  3. unique amount in a tighter date window (0.5)
//  4. nothing (0, method "none")
//
// Ties are never auto-resolved: when the best candidate does not beat the
// runner-up by the configured margin the result is "ambiguous" and the
// transaction is left to AI assist or manual review.
package match

import (
	"fmt"
	"time"

	"github.com/fincaops/recon-engine/internal/domain"
)

// Config holds the matcher's tuning parameters. Exact values are operational
// tuning, supplied by configuration.
type Config struct {
	DateWindowDays           int
	AmountOnlyWindowDays     int
	PayerSimilarityThreshold float64
	AmbiguityMargin          float64
}

// Matcher scores transactions against candidate receivables. It is pure and
// safe for concurrent use.
type Matcher struct {
	cfg Config
}

// New creates a rule matcher.
func New(cfg Config) *Matcher {
	return &Matcher{cfg: cfg}
}

// payerExactCutoff is where a payer similarity stops counting as fuzzy when
// scaling the heuristic score.
const payerExactCutoff = 0.95

// scored pairs a candidate with a rule score.
type scored struct {
	receivable domain.Receivable
	confidence float64
	reason     string
}

// Match evaluates the rules against all candidates and returns the decision
// for this transaction. Candidates in a different currency never match.
func (m *Matcher) Match(tx domain.BankTransaction, candidates []domain.Receivable) domain.MatchResult {
	if hits := m.referenceHits(tx, candidates); len(hits) > 0 {
		if len(hits) > 1 {
			return ambiguous(len(hits), "multiple receivables share a matching reference")
		}
		return domain.MatchResult{
			ReceivableID: hits[0].receivable.ID,
			Confidence:   1.0,
			Method:       domain.MethodReference,
			Reason:       hits[0].reason,
		}
	}

	if hits := m.heuristicHits(tx, candidates); len(hits) > 0 {
		best, runnerUp := top2(hits)
		if runnerUp != nil && best.confidence-runnerUp.confidence < m.cfg.AmbiguityMargin {
			return ambiguous(len(hits), "candidates score too closely")
		}
		return domain.MatchResult{
			ReceivableID: best.receivable.ID,
			Confidence:   best.confidence,
			Method:       domain.MethodHeuristic,
			Reason:       best.reason,
		}
	}

	if hits := m.amountHits(tx, candidates); len(hits) > 0 {
		if len(hits) > 1 {
			return ambiguous(len(hits), "several open receivables share this amount")
		}
		return domain.MatchResult{
			ReceivableID: hits[0].receivable.ID,
			Confidence:   0.5,
			Method:       domain.MethodAmount,
			Reason:       hits[0].reason,
		}
	}

	return domain.MatchResult{Method: domain.MethodNone}
}

// referenceHits finds candidates whose unique payment reference appears in
// the transaction description.
func (m *Matcher) referenceHits(tx domain.BankTransaction, candidates []domain.Receivable) []scored {
	var hits []scored
	for _, r := range candidates {
		if !r.Open() || r.Reference == "" {
			continue
		}
		if containsToken(tx.Description, r.Reference) {
			hits = append(hits, scored{
				receivable: r,
				confidence: 1.0,
				reason:     fmt.Sprintf("reference %s found in description", r.Reference),
			})
		}
	}
	return hits
}

// heuristicHits finds candidates with the exact amount, a due date inside the
// window and a sufficiently similar payer name. The score starts at 0.6 and
// gains 0.15 for an exact date and 0.15 for a near-exact payer.
func (m *Matcher) heuristicHits(tx domain.BankTransaction, candidates []domain.Receivable) []scored {
	var hits []scored
	for _, r := range candidates {
		if !r.Open() || r.Currency != tx.Currency {
			continue
		}
		if !domain.SameAmount(tx.Amount.Abs(), r.Amount, r.Currency) {
			continue
		}
		days := daysApart(tx.PostingDate, r.DueDate)
		if days > m.cfg.DateWindowDays {
			continue
		}
		sim := NameSimilarity(tx.PayerName, r.PayerName)
		if sim < m.cfg.PayerSimilarityThreshold {
			continue
		}

		confidence := 0.6
		reason := "amount exact"
		if days == 0 {
			confidence += 0.15
			reason += ", date exact"
		} else {
			reason += fmt.Sprintf(", date within %dd", days)
		}
		if sim >= payerExactCutoff {
			confidence += 0.15
			reason += ", payer exact"
		} else {
			reason += fmt.Sprintf(", payer similarity %.2f", sim)
		}
		hits = append(hits, scored{receivable: r, confidence: confidence, reason: reason})
	}
	return hits
}

// amountHits finds candidates matching on amount alone inside the tighter
// window. Only a unique hit is usable; the caller treats several as
// ambiguous.
func (m *Matcher) amountHits(tx domain.BankTransaction, candidates []domain.Receivable) []scored {
	var hits []scored
	for _, r := range candidates {
		if !r.Open() || r.Currency != tx.Currency {
			continue
		}
		if !domain.SameAmount(tx.Amount.Abs(), r.Amount, r.Currency) {
			continue
		}
		days := daysApart(tx.PostingDate, r.DueDate)
		if days > m.cfg.AmountOnlyWindowDays {
			continue
		}
		hits = append(hits, scored{
			receivable: r,
			confidence: 0.5,
			reason:     fmt.Sprintf("unique amount, due date within %dd", days),
		})
	}
	return hits
}

func ambiguous(n int, why string) domain.MatchResult {
	return domain.MatchResult{
		Method: domain.MethodAmbiguous,
		Reason: fmt.Sprintf("%s (%d candidates)", why, n),
	}
}

// top2 returns the best and second-best hit by confidence.
func top2(hits []scored) (best scored, runnerUp *scored) {
	best = hits[0]
	for _, h := range hits[1:] {
		if h.confidence > best.confidence {
			b := best
			runnerUp = &b
			best = h
		} else if runnerUp == nil || h.confidence > runnerUp.confidence {
			h := h
			runnerUp = &h
		}
	}
	return best, runnerUp
}

// daysApart counts whole calendar days between two dates, ignoring the time
// of day.
func daysApart(a, b time.Time) int {
	au := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bu := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	d := int(au.Sub(bu).Hours() / 24)
	if d < 0 {
		d = -d
	}
	return d
}
