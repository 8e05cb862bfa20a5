package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionState is the lifecycle state of a bank transaction.
// pending_review is the only non-terminal state; a discarded transaction can
// be brought back only by an explicit restore.
type TransactionState string

const (
	TxPendingReview TransactionState = "pending_review"
	TxReconciled    TransactionState = "reconciled"
	TxDiscarded     TransactionState = "discarded"
)

// Terminal reports whether no automatic transition can leave this state.
func (s TransactionState) Terminal() bool {
	return s == TxReconciled || s == TxDiscarded
}

// BankTransaction is one ingested bank or payment-provider transaction.
// Rows are never deleted; a discard is a state change, kept for audit.
type BankTransaction struct {
	ID           string
	CompanyID    string
	ConnectionID string

	PostingDate time.Time
	Description string
	Amount      decimal.Decimal // signed: money in positive, money out negative
	Currency    string
	Category    string
	PayerName   string

	// ProviderTxID is the provider's transaction identifier, unique per
	// company when present. Re-ingesting the same provider transaction
	// must be a no-op.
	ProviderTxID string

	State         TransactionState
	MatchAttempts int

	Reconciliation *ReconciliationMeta

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReconciliationMeta records how a transaction was matched.
type ReconciliationMeta struct {
	ReceivableID string
	Confidence   float64
	Method       MatchMethod
	ReviewedBy   string
	MatchedAt    time.Time
}

// ProviderTransaction is a raw transaction as delivered by a direct-debit
// provider or open-banking aggregator, normalized before matching.
type ProviderTransaction struct {
	ProviderTxID string
	Date         time.Time
	Description  string
	Amount       decimal.Decimal
	Currency     string
	PayerName    string
}

// minorUnitExponents maps currencies with a non-standard number of decimal
// places. Everything else uses two.
var minorUnitExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"CLP": 0,
	"BHD": 3,
	"KWD": 3,
	"TND": 3,
}

// MinorUnits converts an amount to integer minor units for the given
// currency, so that equality checks never go through floating point.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	exp, ok := minorUnitExponents[currency]
	if !ok {
		exp = 2
	}
	return amount.Shift(exp).Round(0).IntPart()
}

// SameAmount reports whether two amounts are equal when compared in minor
// units of the given currency.
func SameAmount(a, b decimal.Decimal, currency string) bool {
	return MinorUnits(a, currency) == MinorUnits(b, currency)
}
