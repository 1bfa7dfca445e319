package domain

import "time"

// OptionType distinguishes calls from puts.
type OptionType string

const (
	OptionCall OptionType = "C"
	OptionPut  OptionType = "P"
)

// OrderSide indicates whether an order opens or closes exposure.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// TradeStatus tracks the trade lifecycle.
type TradeStatus string

const (
	// TradeStatusOpen means the position is live with remaining contracts.
	TradeStatusOpen TradeStatus = "OPEN"
	// TradeStatusClosed means every contract has been sold via fills.
	TradeStatusClosed TradeStatus = "CLOSED"
	// TradeStatusRejected means the broker order went through but the
	// execution price could never be verified. The trade is kept for audit
	// with zero notional and zero remaining contracts, and is excluded from
	// performance statistics.
	TradeStatusRejected TradeStatus = "REJECTED"
)

// Outcome classifies a fully closed trade by realized P&L.
type Outcome string

const (
	OutcomeWin       Outcome = "WIN"
	OutcomeLoss      Outcome = "LOSS"
	OutcomeBreakeven Outcome = "BREAKEVEN"
)

// ContractMultiplier is the share deliverable per standard US equity option
// contract. Notional amounts are price * contracts * ContractMultiplier.
const ContractMultiplier = 100

// Instrument describes a single-leg option.
type Instrument struct {
	Underlying string     `json:"underlying"`
	Strike     float64    `json:"strike"`
	OptionType OptionType `json:"option_type"`
	// Expiry is a calendar date; only the Y/M/D components are meaningful
	// and it is stored normalized to midnight UTC.
	Expiry time.Time `json:"expiry"`
}

// Trade is one opened options position belonging to a person. Mirrored
// follower trades carry SourceTradeID pointing at the creator's trade.
type Trade struct {
	ID       string `json:"id"`
	PersonID string `json:"person_id"`

	Instrument

	Contracts          int     `json:"contracts"`
	RemainingContracts int     `json:"remaining_contracts"`
	FillPrice          float64 `json:"fill_price"`
	BuyNotional        float64 `json:"buy_notional"`
	SellNotional       float64 `json:"sell_notional"`

	NetPnL  *float64 `json:"net_pnl,omitempty"`
	Outcome *Outcome `json:"outcome,omitempty"`

	Status        TradeStatus `json:"status"`
	PriceVerified bool        `json:"price_verified"`

	BrokerKind      BrokerKind `json:"broker_kind"`
	ConnectionID    string     `json:"connection_id"`
	ExternalOrderID string     `json:"external_order_id"`

	SourceTradeID *string `json:"source_trade_id,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
}

// Fill is one partial-or-full closing execution against a Trade.
type Fill struct {
	ID        string    `json:"id"`
	TradeID   string    `json:"trade_id"`
	Contracts int       `json:"contracts"`
	Price     float64   `json:"price"`
	Notional  float64   `json:"notional"`
	CreatedAt time.Time `json:"created_at"`
}

// Notional returns the dollar notional for the given per-share price and
// contract count.
func Notional(price float64, contracts int) float64 {
	return price * float64(contracts) * ContractMultiplier
}

// ClassifyOutcome maps realized net P&L to its outcome bucket.
func ClassifyOutcome(netPnL float64) Outcome {
	switch {
	case netPnL > 0:
		return OutcomeWin
	case netPnL < 0:
		return OutcomeLoss
	default:
		return OutcomeBreakeven
	}
}
