// Package assist is the AI fallback classifier consulted when the rule
// matcher's confidence stays below threshold. It is strictly fail-soft: any
// failure surfaces as ErrUnavailable and the transaction is left unresolved,
// never treated as a batch error.
package assist

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fincaops/recon-engine/internal/domain"
)

// ErrUnavailable is returned for every classifier failure mode: model
// unreachable, breaker open, timeout, malformed response, empty candidates.
var ErrUnavailable = errors.New("assist: classifier unavailable")

// ModelClient generates a completion for a prompt. Production wraps the
// Gemini API; tests provide a fake.
type ModelClient interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// Config holds the classifier tuning.
type Config struct {
	// ConfidenceCap bounds reported confidence strictly below 1.0, so
	// audit trails always distinguish AI-assisted from rule-certain
	// matches.
	ConfidenceCap float64
	// Timeout bounds a single model call.
	Timeout time.Duration
}

// Classifier proposes a receivable for a transaction the rules could not
// resolve.
type Classifier struct {
	model ModelClient
	cfg   Config
	log   zerolog.Logger
}

// New creates a classifier on top of a model client.
func New(model ModelClient, cfg Config, log zerolog.Logger) *Classifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Classifier{model: model, cfg: cfg, log: log}
}

// modelVerdict is the strict JSON object the model must return.
type modelVerdict struct {
	ReceivableID string  `json:"receivable_id"`
	Confidence   float64 `json:"confidence"`
	Reason       string  `json:"reason"`
}

// Classify asks the model to pick a candidate. The returned confidence is
// capped below the deterministic ceiling. A verdict naming an unknown
// receivable is discarded as unavailable rather than trusted.
func (c *Classifier) Classify(ctx context.Context, tx TransactionSummary, candidates []CandidateSummary) (domain.MatchResult, error) {
	if c == nil || c.model == nil {
		return domain.MatchResult{}, ErrUnavailable
	}
	if len(candidates) == 0 {
		return domain.MatchResult{}, ErrUnavailable
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	raw, err := c.model.GenerateText(callCtx, buildClassifyPrompt(tx, candidates))
	if err != nil {
		c.log.Warn().Err(err).Msg("Model call failed, treating as unavailable")
		return domain.MatchResult{}, ErrUnavailable
	}

	var verdict modelVerdict
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &verdict); err != nil {
		c.log.Warn().Err(err).Str("raw", truncate(raw, 200)).Msg("Unparseable model response")
		return domain.MatchResult{}, ErrUnavailable
	}

	if verdict.ReceivableID == "" || verdict.Confidence <= 0 {
		// A deliberate "no match" verdict is a valid answer.
		return domain.MatchResult{Method: domain.MethodNone, Reason: verdict.Reason}, nil
	}
	if !candidateExists(candidates, verdict.ReceivableID) {
		c.log.Warn().Str("receivable_id", verdict.ReceivableID).Msg("Model invented a candidate id")
		return domain.MatchResult{}, ErrUnavailable
	}

	confidence := verdict.Confidence
	if confidence > c.cfg.ConfidenceCap {
		confidence = c.cfg.ConfidenceCap
	}

	return domain.MatchResult{
		ReceivableID: verdict.ReceivableID,
		Confidence:   confidence,
		Method:       domain.MethodAI,
		Reason:       verdict.Reason,
	}, nil
}

func candidateExists(candidates []CandidateSummary, id string) bool {
	for _, c := range candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}

// cleanModelJSON strips Markdown fences and surrounding junk when the model
// ignores the strict-JSON instruction.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
