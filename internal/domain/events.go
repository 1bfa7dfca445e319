package domain

import "time"

// Realtime event names published on the signal bus. Ordering is enforced by
// callers: events for a trade only fire after that trade's commit.
const (
	EventTradeCreated = "trade_created"
	EventTradeSettled = "trade_settled"
	EventTradeDeleted = "trade_deleted"
	EventFeedUpdated  = "feed_updated"
)

// UserChannel is the per-user realtime channel; a user's UI subscribes to
// its own channel for trade lifecycle events.
func UserChannel(userID string) string { return "user:" + userID }

// FeedChannel carries feed refresh hints to a creator's followers.
func FeedChannel(creatorID string) string { return "feed:" + creatorID }

// FanoutStream is the durable stream the orchestrator enqueues follower
// fan-out jobs on after the creator's trade commits.
const FanoutStream = "fanout:jobs"

// Event is the JSON envelope published on realtime channels.
type Event struct {
	Type    string `json:"type"`
	TradeID string `json:"trade_id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// FeedUpdate is the payload of a feed_updated event. Followers is the number
// of follower purchases the trade's commit charged, taken from the ledger
// state of that same transaction.
type FeedUpdate struct {
	CreatorID string `json:"creator_id"`
	TradeID   string `json:"trade_id"`
	Followers int64  `json:"followers"`
}

// FanoutJob is one unit of follower fan-out work, enqueued on FanoutStream
// strictly after the creator's trade is durably committed.
type FanoutJob struct {
	TradeID    string    `json:"trade_id"`
	CreatorID  string    `json:"creator_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
