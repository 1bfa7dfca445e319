package service

import (
	"context"
	"sync"
	"time"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// In-memory doubles for the store and cache interfaces. They record calls so
// tests can assert gate ordering and post-commit side effects.

type fakeTradeStore struct {
	mu            sync.Mutex
	trades        map[string]domain.Trade
	fills         map[string][]domain.Fill
	commits       int
	playsConsumed int64
	ledgerErr     error
	createErr     error
}

func newFakeTradeStore() *fakeTradeStore {
	return &fakeTradeStore{
		trades:        make(map[string]domain.Trade),
		fills:         make(map[string][]domain.Fill),
		playsConsumed: 1,
	}
}

func (s *fakeTradeStore) CreateWithConsume(_ context.Context, t domain.Trade) (domain.TradeCommit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return domain.TradeCommit{}, s.createErr
	}
	s.trades[t.ID] = t
	s.commits++
	if s.ledgerErr != nil {
		return domain.TradeCommit{LedgerErr: s.ledgerErr}, nil
	}
	return domain.TradeCommit{PlaysConsumed: s.playsConsumed}, nil
}

func (s *fakeTradeStore) Create(_ context.Context, t domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.trades[t.ID] = t
	return nil
}

func (s *fakeTradeStore) GetByID(_ context.Context, id string) (domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *fakeTradeStore) ListByPerson(_ context.Context, personID string, _ domain.ListOpts) ([]domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Trade
	for _, t := range s.trades {
		if t.PersonID == personID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeTradeStore) Delete(_ context.Context, id, personID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok || t.PersonID != personID {
		return domain.ErrNotFound
	}
	if t.Status != domain.TradeStatusOpen {
		return domain.ErrTradeNotOpen
	}
	delete(s.trades, id)
	return nil
}

func (s *fakeTradeStore) ApplyFill(_ context.Context, fill domain.Fill, updated domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills[fill.TradeID] = append(s.fills[fill.TradeID], fill)
	s.trades[updated.ID] = updated
	return nil
}

func (s *fakeTradeStore) ListFills(_ context.Context, tradeID string) ([]domain.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fills[tradeID], nil
}

func (s *fakeTradeStore) ListSettledBefore(context.Context, time.Time) ([]domain.Trade, error) {
	return nil, nil
}

func (s *fakeTradeStore) DeleteSettledBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fakeConnStore struct {
	mu     sync.Mutex
	conns  map[string]domain.BrokerConnection
	active map[string]string
}

func newFakeConnStore() *fakeConnStore {
	return &fakeConnStore{
		conns:  make(map[string]domain.BrokerConnection),
		active: make(map[string]string),
	}
}

func (s *fakeConnStore) Create(_ context.Context, c domain.BrokerConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ID] = c
	if c.Active {
		s.active[c.UserID] = c.ID
	}
	return nil
}

func (s *fakeConnStore) GetByID(_ context.Context, id string) (domain.BrokerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return domain.BrokerConnection{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *fakeConnStore) GetActiveByUser(_ context.Context, userID string) (domain.BrokerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[userID]
	if !ok {
		return domain.BrokerConnection{}, domain.ErrNotFound
	}
	return s.conns[id], nil
}

func (s *fakeConnStore) ListByUser(_ context.Context, userID string) ([]domain.BrokerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BrokerConnection
	for _, c := range s.conns {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeConnStore) Deactivate(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok || c.UserID != userID {
		return domain.ErrNotFound
	}
	c.Active = false
	s.conns[id] = c
	if s.active[userID] == id {
		delete(s.active, userID)
	}
	return nil
}

type cacheEntry struct {
	conn *domain.BrokerConnection
}

type fakeConnCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	getErr  error
}

func newFakeConnCache() *fakeConnCache {
	return &fakeConnCache{entries: make(map[string]cacheEntry)}
}

func (c *fakeConnCache) Get(_ context.Context, userID string) (*domain.BrokerConnection, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	e, ok := c.entries[userID]
	if !ok {
		return nil, false, nil
	}
	return e.conn, true, nil
}

func (c *fakeConnCache) Set(_ context.Context, userID string, conn *domain.BrokerConnection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = cacheEntry{conn: conn}
	return nil
}

func (c *fakeConnCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
	return nil
}

type auditRecord struct {
	event  string
	detail map[string]any
}

type fakeAuditStore struct {
	mu      sync.Mutex
	records []auditRecord
}

func (s *fakeAuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, auditRecord{event: event, detail: detail})
	return nil
}

func (s *fakeAuditStore) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fakeLimiter struct {
	mu      sync.Mutex
	allowed bool
	err     error
	keys    []string
}

func (l *fakeLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	return l.allowed, l.err
}

type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
	err      error
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]bool)}
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	l.acquired = append(l.acquired, key)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type busMessage struct {
	channel string
	payload []byte
}

type fakeBus struct {
	mu        sync.Mutex
	published []busMessage
	stream    []domain.StreamMessage
	appendErr error
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, busMessage{channel: channel, payload: payload})
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *fakeBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.appendErr != nil {
		return b.appendErr
	}
	b.stream = append(b.stream, domain.StreamMessage{ID: "1-0", Payload: payload})
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.stream
	b.stream = nil
	return out, nil
}

func (b *fakeBus) channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.published))
	for i, m := range b.published {
		out[i] = m.channel
	}
	return out
}

type fakeBroker struct {
	mu      sync.Mutex
	kind    domain.BrokerKind
	result  domain.OrderResult
	err     error
	placed  int
	side    domain.OrderSide
	lastQty int
}

func (b *fakeBroker) Kind() domain.BrokerKind { return b.kind }

func (b *fakeBroker) PlaceOptionOrder(_ context.Context, _ domain.Instrument, side domain.OrderSide, contracts int) (domain.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return domain.OrderResult{}, b.err
	}
	b.placed++
	b.side = side
	b.lastQty = contracts
	return b.result, nil
}

func (b *fakeBroker) GetAccountInfo(context.Context) (domain.AccountInfo, error) {
	return domain.AccountInfo{Broker: b.kind, Cash: 10000}, nil
}
