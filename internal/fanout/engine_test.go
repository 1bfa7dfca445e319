package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrormarket/mirrormarket/internal/config"
	"github.com/mirrormarket/mirrormarket/internal/domain"
	"github.com/mirrormarket/mirrormarket/internal/service"
)

type stubBus struct {
	mu     sync.Mutex
	msgs   []domain.StreamMessage
	lastID string
	err    error
}

func (b *stubBus) Publish(context.Context, string, []byte) error { return nil }

func (b *stubBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *stubBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, domain.StreamMessage{ID: "1-0", Payload: payload})
	return nil
}

func (b *stubBus) StreamRead(_ context.Context, _ string, lastID string, _ int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastID = lastID
	if b.err != nil {
		return nil, b.err
	}
	out := b.msgs
	b.msgs = nil
	return out, nil
}

type stubTradeStore struct {
	trades map[string]domain.Trade
}

func (s *stubTradeStore) GetByID(_ context.Context, id string) (domain.Trade, error) {
	t, ok := s.trades[id]
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *stubTradeStore) CreateWithConsume(context.Context, domain.Trade) (domain.TradeCommit, error) {
	return domain.TradeCommit{}, nil
}
func (s *stubTradeStore) Create(context.Context, domain.Trade) error { return nil }
func (s *stubTradeStore) ListByPerson(context.Context, string, domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}
func (s *stubTradeStore) Delete(context.Context, string, string) error { return nil }
func (s *stubTradeStore) ApplyFill(context.Context, domain.Fill, domain.Trade) error {
	return nil
}
func (s *stubTradeStore) ListFills(context.Context, string) ([]domain.Fill, error) {
	return nil, nil
}
func (s *stubTradeStore) ListSettledBefore(context.Context, time.Time) ([]domain.Trade, error) {
	return nil, nil
}
func (s *stubTradeStore) DeleteSettledBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type stubFollowStore struct {
	eligible []domain.EligibleFollower
	err      error
}

func (s *stubFollowStore) ListEligibleFollowers(context.Context, string, string) ([]domain.EligibleFollower, error) {
	return s.eligible, s.err
}

func (s *stubFollowStore) CreatePurchase(context.Context, domain.FollowPurchase) error { return nil }
func (s *stubFollowStore) GetPurchase(context.Context, string) (domain.FollowPurchase, error) {
	return domain.FollowPurchase{}, domain.ErrNotFound
}
func (s *stubFollowStore) ListByFollower(context.Context, string, domain.ListOpts) ([]domain.FollowPurchase, error) {
	return nil, nil
}
func (s *stubFollowStore) ListByCreator(context.Context, string, domain.ListOpts) ([]domain.FollowPurchase, error) {
	return nil, nil
}
func (s *stubFollowStore) RecordAction(context.Context, domain.FollowedTradeAction) error {
	return nil
}
func (s *stubFollowStore) ListActions(context.Context, string, domain.ListOpts) ([]domain.FollowedTradeAction, error) {
	return nil, nil
}

// stubMirrorer fails specific followers while recording every attempt.
type stubMirrorer struct {
	mu       sync.Mutex
	mirrored []string
	failWith map[string]error
}

func (m *stubMirrorer) Mirror(_ context.Context, f domain.EligibleFollower, source domain.Trade) (domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failWith[f.FollowerID]; ok {
		return domain.Trade{}, err
	}
	m.mirrored = append(m.mirrored, f.FollowerID)
	return domain.Trade{ID: "mirror-" + f.FollowerID, PersonID: f.FollowerID, SourceTradeID: &source.ID}, nil
}

func openTrade(id string) domain.Trade {
	return domain.Trade{
		ID:       id,
		PersonID: "creator-1",
		Status:   domain.TradeStatusOpen,
		Instrument: domain.Instrument{
			Underlying: "AAPL",
			Strike:     190,
			OptionType: domain.OptionCall,
			Expiry:     time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
		},
		Contracts:          2,
		RemainingContracts: 2,
	}
}

func followers(ids ...string) []domain.EligibleFollower {
	out := make([]domain.EligibleFollower, len(ids))
	for i, id := range ids {
		out[i] = domain.EligibleFollower{FollowerID: id}
	}
	return out
}

func jobMessage(t *testing.T, tradeID, creatorID string) domain.StreamMessage {
	t.Helper()
	payload, err := json.Marshal(domain.FanoutJob{
		TradeID:    tradeID,
		CreatorID:  creatorID,
		EnqueuedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return domain.StreamMessage{ID: "5-0", Payload: payload}
}

func newEngine(bus *stubBus, trades *stubTradeStore, follows *stubFollowStore, mirror Mirrorer) *Engine {
	cfg := config.FanoutConfig{Concurrency: 4, BatchSize: 10}
	return NewEngine(bus, trades, follows, mirror, nil, cfg, slog.Default())
}

func TestProcessMessageMirrorsAllFollowers(t *testing.T) {
	trades := &stubTradeStore{trades: map[string]domain.Trade{"t1": openTrade("t1")}}
	follows := &stubFollowStore{eligible: followers("f1", "f2", "f3")}
	mirror := &stubMirrorer{}
	e := newEngine(&stubBus{}, trades, follows, mirror)

	e.processMessage(context.Background(), jobMessage(t, "t1", "creator-1"))

	assert.ElementsMatch(t, []string{"f1", "f2", "f3"}, mirror.mirrored)
}

func TestProcessMessageFollowerIsolation(t *testing.T) {
	trades := &stubTradeStore{trades: map[string]domain.Trade{"t1": openTrade("t1")}}
	follows := &stubFollowStore{eligible: followers("f1", "f2", "f3")}
	mirror := &stubMirrorer{failWith: map[string]error{
		"f2": &service.BrokerRejectionError{Rejection: domain.BrokerError{
			Kind:    domain.BrokerErrInvalidParameters,
			Message: "insufficient buying power",
		}},
	}}
	e := newEngine(&stubBus{}, trades, follows, mirror)

	e.processMessage(context.Background(), jobMessage(t, "t1", "creator-1"))

	// One follower's rejection never stops the siblings.
	assert.ElementsMatch(t, []string{"f1", "f3"}, mirror.mirrored)
}

func TestProcessMessageInfrastructureFailureIsolated(t *testing.T) {
	trades := &stubTradeStore{trades: map[string]domain.Trade{"t1": openTrade("t1")}}
	follows := &stubFollowStore{eligible: followers("f1", "f2")}
	mirror := &stubMirrorer{failWith: map[string]error{
		"f1": errors.New("broker connection reset"),
	}}
	e := newEngine(&stubBus{}, trades, follows, mirror)

	e.processMessage(context.Background(), jobMessage(t, "t1", "creator-1"))

	assert.ElementsMatch(t, []string{"f2"}, mirror.mirrored)
}

func TestProcessMessageSkipsNonOpenSource(t *testing.T) {
	closed := openTrade("t1")
	closed.Status = domain.TradeStatusClosed
	trades := &stubTradeStore{trades: map[string]domain.Trade{"t1": closed}}
	follows := &stubFollowStore{eligible: followers("f1")}
	mirror := &stubMirrorer{}
	e := newEngine(&stubBus{}, trades, follows, mirror)

	e.processMessage(context.Background(), jobMessage(t, "t1", "creator-1"))

	assert.Empty(t, mirror.mirrored)
}

func TestProcessMessageSkipsMissingSource(t *testing.T) {
	trades := &stubTradeStore{trades: map[string]domain.Trade{}}
	mirror := &stubMirrorer{}
	e := newEngine(&stubBus{}, trades, &stubFollowStore{eligible: followers("f1")}, mirror)

	e.processMessage(context.Background(), jobMessage(t, "gone", "creator-1"))

	assert.Empty(t, mirror.mirrored)
}

func TestProcessMessageDeduplicates(t *testing.T) {
	trades := &stubTradeStore{trades: map[string]domain.Trade{"t1": openTrade("t1")}}
	follows := &stubFollowStore{eligible: followers("f1")}
	mirror := &stubMirrorer{}
	e := newEngine(&stubBus{}, trades, follows, mirror)

	msg := jobMessage(t, "t1", "creator-1")
	e.processMessage(context.Background(), msg)
	e.processMessage(context.Background(), msg)

	assert.Len(t, mirror.mirrored, 1)
}

func TestProcessMessageSkipsMalformedPayload(t *testing.T) {
	mirror := &stubMirrorer{}
	e := newEngine(&stubBus{}, &stubTradeStore{}, &stubFollowStore{}, mirror)

	e.processMessage(context.Background(), domain.StreamMessage{ID: "1-0", Payload: []byte("{not json")})

	assert.Empty(t, mirror.mirrored)
}

func TestDrainOnceAdvancesPerMessage(t *testing.T) {
	trades := &stubTradeStore{trades: map[string]domain.Trade{
		"t1": openTrade("t1"),
		"t2": openTrade("t2"),
	}}
	follows := &stubFollowStore{eligible: followers("f1")}
	mirror := &stubMirrorer{}
	bus := &stubBus{}
	e := newEngine(bus, trades, follows, mirror)

	m1 := jobMessage(t, "t1", "creator-1")
	m1.ID = "10-0"
	m2 := jobMessage(t, "t2", "creator-1")
	m2.ID = "11-0"
	bus.msgs = []domain.StreamMessage{m1, m2}

	require.NoError(t, e.drainOnce(context.Background()))

	assert.Equal(t, "11-0", e.lastID)
	assert.Len(t, mirror.mirrored, 2)
}

func TestDrainOnceReadFailure(t *testing.T) {
	bus := &stubBus{err: errors.New("redis unavailable")}
	e := newEngine(bus, &stubTradeStore{}, &stubFollowStore{}, &stubMirrorer{})
	before := e.lastID

	err := e.drainOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, before, e.lastID)
}

func TestDedup(t *testing.T) {
	d := NewDedup(50 * time.Millisecond)

	assert.False(t, d.IsDuplicate("t1"))
	assert.True(t, d.IsDuplicate("t1"))
	assert.False(t, d.IsDuplicate("t2"))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, d.IsDuplicate("t1"), "expired entry is fresh again")

	d.IsDuplicate("t3")
	time.Sleep(60 * time.Millisecond)
	d.Cleanup()
	assert.False(t, d.IsDuplicate("t3"))
}
