package domain

import "time"

// MandateState is the lifecycle state of a SEPA direct-debit mandate.
// Transitions are driven exclusively by provider webhook events or an
// explicit cancellation.
type MandateState string

const (
	MandatePending   MandateState = "pending"
	MandateActive    MandateState = "active"
	MandateCancelled MandateState = "cancelled"
	MandateExpired   MandateState = "expired"
	MandateFailed    MandateState = "failed"
)

// SepaMandate is a standing authorization for recurring direct-debit
// collection from a payer's account.
type SepaMandate struct {
	ID                string
	CompanyID         string
	ProviderMandateID string
	PayerName         string
	IBANLast4         string
	State             MandateState
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ConnectionState is the lifecycle state of an external account link.
type ConnectionState string

const (
	ConnectionPending      ConnectionState = "pending"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
)

// BankConnection links a company to an external bank account or payment
// provider. A disconnect keeps the row and records when it happened.
type BankConnection struct {
	ID             string
	CompanyID      string
	Provider       string
	State          ConnectionState
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
}
