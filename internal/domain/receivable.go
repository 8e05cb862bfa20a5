package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReceivableState is the settlement state of an internal receivable.
type ReceivableState string

const (
	ReceivableOpen    ReceivableState = "open"
	ReceivableSettled ReceivableState = "settled"
)

// ReceivableKind distinguishes what kind of money-owed record this is.
type ReceivableKind string

const (
	ReceivableRent         ReceivableKind = "rent"
	ReceivableInvoice      ReceivableKind = "invoice"
	ReceivableSubscription ReceivableKind = "subscription"
)

// Receivable is an internal record of money owed: a rent installment, a
// provider invoice or a subscription charge. A receivable is satisfied by at
// most one reconciled bank transaction.
type Receivable struct {
	ID        string
	CompanyID string
	Kind      ReceivableKind

	Amount   decimal.Decimal // always positive
	Currency string
	DueDate  time.Time

	// Reference is the unique payment reference a payer is asked to quote,
	// e.g. "REF-A1-0012". Empty when none was issued.
	Reference string
	PayerName string

	State ReceivableState

	// SettledBy is the ID of the bank transaction that settled this
	// receivable, set together with State = settled.
	SettledBy string
	SettledAt time.Time
}

// Open reports whether the receivable can still be settled.
func (r Receivable) Open() bool {
	return r.State == ReceivableOpen
}
