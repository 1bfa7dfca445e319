package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

type capturedPut struct {
	path        string
	contentType string
	body        []byte
}

type fakeBlobWriter struct {
	puts []capturedPut
}

func (w *fakeBlobWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.puts = append(w.puts, capturedPut{path: path, contentType: contentType, body: body})
	return nil
}

func (w *fakeBlobWriter) PutMultipart(_ context.Context, path string, data io.Reader, _ int64) error {
	return w.Put(context.Background(), path, data, "")
}

type fakeArchiveTrades struct {
	domain.TradeStore

	settled []domain.Trade
	fills   map[string][]domain.Fill
	deleted int64
}

func (s *fakeArchiveTrades) ListSettledBefore(context.Context, time.Time) ([]domain.Trade, error) {
	return s.settled, nil
}

func (s *fakeArchiveTrades) ListFills(_ context.Context, tradeID string) ([]domain.Fill, error) {
	return s.fills[tradeID], nil
}

func (s *fakeArchiveTrades) DeleteSettledBefore(context.Context, time.Time) (int64, error) {
	return s.deleted, nil
}

type fakeAudit struct {
	events []string
}

func (a *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func closedTrade(id string) domain.Trade {
	pnl := 50.0
	outcome := domain.OutcomeWin
	return domain.Trade{
		ID:       id,
		PersonID: "creator-1",
		Instrument: domain.Instrument{
			Underlying: "AAPL",
			Strike:     190,
			OptionType: domain.OptionCall,
			Expiry:     time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
		},
		Contracts:    1,
		FillPrice:    1.50,
		BuyNotional:  150,
		SellNotional: 200,
		NetPnL:       &pnl,
		Outcome:      &outcome,
		Status:       domain.TradeStatusClosed,
	}
}

func TestArchiveSettledTradesWritesJSONL(t *testing.T) {
	writer := &fakeBlobWriter{}
	trades := &fakeArchiveTrades{
		settled: []domain.Trade{closedTrade("t1"), closedTrade("t2")},
		fills: map[string][]domain.Fill{
			"t1": {{ID: "f1", TradeID: "t1", Contracts: 1, Price: 2.00, Notional: 200}},
		},
	}
	audit := &fakeAudit{}
	arch := NewArchiver(writer, trades, audit)

	count, err := arch.ArchiveSettledTrades(context.Background(), time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.Len(t, writer.puts, 1)
	put := writer.puts[0]
	assert.Equal(t, "application/x-ndjson", put.contentType)

	// One self-contained JSON line per trade, fills attached.
	scanner := bufio.NewScanner(bytes.NewReader(put.body))
	var lines []archivedTrade
	for scanner.Scan() {
		var rec archivedTrade
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "t1", lines[0].ID)
	require.Len(t, lines[0].Fills, 1)
	assert.Equal(t, "f1", lines[0].Fills[0].ID)
	assert.Empty(t, lines[1].Fills)

	assert.Equal(t, []string{"trades_archived"}, audit.events)
}

func TestArchivePathUniquePerSweep(t *testing.T) {
	cutoff := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	first := archivePath(cutoff, time.Date(2026, 8, 29, 10, 15, 0, 0, time.UTC))
	second := archivePath(cutoff, time.Date(2026, 8, 29, 10, 15, 1, 0, time.UTC))

	assert.Equal(t, "archive/trades/2026-08/20260829T101500Z.jsonl", first)
	assert.NotEqual(t, first, second, "a later sweep must not overwrite an earlier archive")
}

func TestArchiveNothingToDo(t *testing.T) {
	writer := &fakeBlobWriter{}
	arch := NewArchiver(writer, &fakeArchiveTrades{}, &fakeAudit{})

	count, err := arch.ArchiveSettledTrades(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, writer.puts)
}
