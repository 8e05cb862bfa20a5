// Package webhook verifies and applies provider event deliveries. Providers
// retry aggressively and replay old events, so every transition here is an
// idempotent assignment: applying the same event twice changes nothing and is
// still acknowledged.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fincaops/recon-engine/internal/domain"
	"github.com/fincaops/recon-engine/internal/metrics"
	"github.com/fincaops/recon-engine/internal/store"
)

// ErrBadSignature rejects a delivery whose HMAC does not match. The body is
// never parsed in that case.
var ErrBadSignature = errors.New("webhook: signature mismatch")

// envelope is the delivery payload: a batch of events.
type envelope struct {
	Events []event `json:"events"`
}

// event is one provider event. links carries the provider-side identifiers
// the event refers to.
type event struct {
	ID           string    `json:"id"`
	ResourceType string    `json:"resource_type"`
	Action       string    `json:"action"`
	CreatedAt    time.Time `json:"created_at"`
	Links        struct {
		Payment      string `json:"payment"`
		Mandate      string `json:"mandate"`
		Subscription string `json:"subscription"`
	} `json:"links"`
}

// Result reports what a delivery did.
type Result struct {
	Events  int `json:"events"`
	Applied int `json:"applied"` // events that changed state
	Skipped int `json:"skipped"` // replays, unknown rows, unknown actions
}

// Processor validates signatures and applies events through the store's
// narrow event surface.
type Processor struct {
	secret  []byte
	applier store.EventApplier
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a webhook processor.
func New(secret string, applier store.EventApplier, log zerolog.Logger, m *metrics.Metrics) *Processor {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Processor{
		secret:  []byte(secret),
		applier: applier,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body against the
// provided header value in constant time.
func (p *Processor) VerifySignature(body []byte, signature string) error {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// Process verifies the delivery and applies its events in order. A single
// event hitting an unknown row or an unknown action is skipped, never an
// error; the provider must not retry the whole batch for it.
func (p *Processor) Process(ctx context.Context, body []byte, signature string) (Result, error) {
	if err := p.VerifySignature(body, signature); err != nil {
		p.metrics.WebhookRejected.Inc()
		return Result{}, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Result{}, fmt.Errorf("webhook: malformed payload: %w", err)
	}

	res := Result{Events: len(env.Events)}
	for _, ev := range env.Events {
		applied, err := p.applyEvent(ctx, ev)
		if err != nil {
			return res, fmt.Errorf("webhook: applying event %s: %w", ev.ID, err)
		}
		if applied {
			res.Applied++
			p.metrics.WebhookEvents.WithLabelValues(ev.ResourceType, "applied").Inc()
		} else {
			res.Skipped++
			p.metrics.WebhookEvents.WithLabelValues(ev.ResourceType, "skipped").Inc()
		}
	}
	return res, nil
}

func (p *Processor) applyEvent(ctx context.Context, ev event) (bool, error) {
	at := ev.CreatedAt
	if at.IsZero() {
		at = p.now()
	}

	switch ev.ResourceType {
	case "payments":
		state, ok := paymentState(ev.Action)
		if !ok {
			p.log.Warn().Str("event_id", ev.ID).Str("action", ev.Action).Msg("Unknown payment action, skipping")
			return false, nil
		}
		applied, err := p.applier.ApplyPaymentEvent(ctx, ev.Links.Payment, state, at)
		if err != nil {
			return false, err
		}
		if !applied {
			p.log.Debug().Str("event_id", ev.ID).Str("payment", ev.Links.Payment).Msg("Payment event matched no transition")
		}
		return applied, nil

	case "mandates":
		state, ok := mandateState(ev.Action)
		if !ok {
			p.log.Warn().Str("event_id", ev.ID).Str("action", ev.Action).Msg("Unknown mandate action, skipping")
			return false, nil
		}
		return p.applier.ApplyMandateEvent(ctx, ev.Links.Mandate, state, at)

	case "subscriptions":
		// Subscription lifecycle is informational here; the receivables it
		// feeds arrive through ingestion.
		p.log.Info().Str("event_id", ev.ID).Str("action", ev.Action).Str("subscription", ev.Links.Subscription).Msg("Subscription event noted")
		return false, nil

	default:
		p.log.Warn().Str("event_id", ev.ID).Str("resource_type", ev.ResourceType).Msg("Unknown resource type, skipping")
		return false, nil
	}
}

// paymentState maps provider payment actions onto transaction states.
func paymentState(action string) (domain.TransactionState, bool) {
	switch action {
	case "confirmed", "paid_out":
		return domain.TxReconciled, true
	case "failed", "charged_back", "cancelled":
		return domain.TxDiscarded, true
	default:
		return "", false
	}
}

// mandateState maps provider mandate actions onto mandate states.
func mandateState(action string) (domain.MandateState, bool) {
	switch action {
	case "active", "reinstated":
		return domain.MandateActive, true
	case "cancelled":
		return domain.MandateCancelled, true
	case "expired":
		return domain.MandateExpired, true
	case "failed":
		return domain.MandateFailed, true
	default:
		return "", false
	}
}

// Sign computes the hex HMAC-SHA256 of a body. Used by tests and by the
// replay tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
