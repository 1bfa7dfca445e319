package domain

import (
	"context"
	"time"
)

// Snapshot is a point-in-time quote for an option contract from the
// external market-data collaborator.
type Snapshot struct {
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"timestamp"`
}

// Mid returns the bid/ask midpoint, falling back to the last print when one
// side of the book is empty.
func (s Snapshot) Mid() float64 {
	if s.Bid > 0 && s.Ask > 0 {
		return (s.Bid + s.Ask) / 2
	}
	return s.Last
}

// MarketData is the external snapshot capability, used only under the
// external-snapshot price policy. Errors wrap the snapshot sentinels in
// errors.go.
type MarketData interface {
	GetSnapshot(ctx context.Context, inst Instrument) (Snapshot, error)
}
