package domain

import "context"

// BrokerErrorKind is the normalized category for broker-side failures.
// Every transport-specific error shape collapses into one of these.
type BrokerErrorKind string

const (
	BrokerErrAuthorizationDenied BrokerErrorKind = "authorization_denied"
	BrokerErrInvalidParameters   BrokerErrorKind = "invalid_parameters"
	BrokerErrNotFound            BrokerErrorKind = "not_found"
	BrokerErrUnknown             BrokerErrorKind = "unknown"
)

// BrokerError describes a normalized broker-side rejection. It travels
// inside OrderResult rather than as a Go error: an ordinary rejection is a
// result, not a failure of the adapter.
type BrokerError struct {
	Kind    BrokerErrorKind `json:"kind"`
	Message string          `json:"message"`
}

// CostEstimate breaks down the cost of an order when the brokerage does not
// report fills atomically. Fees follow the per-contract regulatory model in
// internal/broker.
type CostEstimate struct {
	Premium float64 `json:"premium"`
	Fees    float64 `json:"fees"`
	Total   float64 `json:"total"`
}

// OrderResult is the discriminated outcome of an order placement.
// ExecutionPrice is nil when the brokerage did not report a usable (finite,
// positive) fill price within the adapter's bounded wait.
type OrderResult struct {
	Success        bool          `json:"success"`
	OrderID        string        `json:"order_id,omitempty"`
	Status         string        `json:"status,omitempty"`
	ExecutionPrice *float64      `json:"execution_price,omitempty"`
	Cost           *CostEstimate `json:"cost,omitempty"`
	Error          *BrokerError  `json:"error,omitempty"`
}

// AccountInfo is a snapshot of a brokerage account's financial state.
type AccountInfo struct {
	AccountID   string     `json:"account_id"`
	Broker      BrokerKind `json:"broker"`
	Cash        float64    `json:"cash"`
	BuyingPower float64    `json:"buying_power"`
	Equity      float64    `json:"equity"`
}

// Broker is the capability interface over heterogeneous brokerage backends.
// PlaceOptionOrder returns an error only for programmer/context faults;
// broker-side rejections come back as OrderResult{Success: false}.
type Broker interface {
	Kind() BrokerKind
	PlaceOptionOrder(ctx context.Context, inst Instrument, side OrderSide, contracts int) (OrderResult, error)
	GetAccountInfo(ctx context.Context) (AccountInfo, error)
}
