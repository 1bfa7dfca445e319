package domain

import "time"

// FollowStatus tracks a purchase's consumption state. The transition
// active -> completed happens exactly once, when the last purchased play is
// consumed, and is never reversed.
type FollowStatus string

const (
	FollowStatusActive    FollowStatus = "active"
	FollowStatusCompleted FollowStatus = "completed"
)

// FollowPurchase is a follower's purchased access to a creator's trades.
// One row per purchase; plays_consumed advances by one per creator trade
// via an atomic conditional update (never read-modify-write).
type FollowPurchase struct {
	ID             string       `json:"id"`
	FollowerID     string       `json:"follower_id"`
	CreatorID      string       `json:"creator_id"`
	PlaysPurchased int          `json:"plays_purchased"`
	PlaysConsumed  int          `json:"plays_consumed"`
	AutoExecute    bool         `json:"auto_execute"`
	Status         FollowStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// FollowAction is a follower's explicit decision on one creator trade.
type FollowAction string

const (
	FollowActionFollow FollowAction = "follow"
	FollowActionFade   FollowAction = "fade"
)

// FollowedTradeAction records a follow/fade decision. At most one exists per
// (follower, trade) pair.
type FollowedTradeAction struct {
	FollowerID string       `json:"follower_id"`
	TradeID    string       `json:"trade_id"`
	Action     FollowAction `json:"action"`
	CreatedAt  time.Time    `json:"created_at"`
}

// EligibleFollower is a follower that the fan-out engine should mirror a
// creator trade to: an active or completed purchase, auto-execution opted
// in, no fade recorded for the trade, and a live broker connection.
type EligibleFollower struct {
	FollowerID string
	Connection BrokerConnection
}
