package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// multipartThreshold is the JSONL payload size above which the archiver
// switches to multipart upload.
const multipartThreshold = 8 * 1024 * 1024

// archivedTrade is one JSONL record: the trade plus its full fill history,
// so an archived month is self-contained.
type archivedTrade struct {
	domain.Trade
	Fills []domain.Fill `json:"fills,omitempty"`
}

// ArchiveImpl implements domain.Archiver by querying settled trades,
// serializing them to JSONL, and uploading the result to S3.
//
// Deletion of archived rows is a separate, explicit step
// (PruneSettledTrades) to be executed after the archive upload succeeded.
type ArchiveImpl struct {
	writer domain.BlobWriter
	trades domain.TradeStore
	audit  domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, trades domain.TradeStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		trades: trades,
		audit:  audit,
	}
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// ArchiveSettledTrades queries all non-OPEN trades before the cutoff,
// attaches their fills, and uploads the JSONL file under a key unique to
// this sweep. The archival event is recorded in the audit log and the count
// of archived records is returned.
func (a *ArchiveImpl) ArchiveSettledTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	records := make([]archivedTrade, 0, len(trades))
	for _, t := range trades {
		fills, err := a.trades.ListFills(ctx, t.ID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive fills query for %s: %w", t.ID, err)
		}
		records = append(records, archivedTrade{Trade: t, Fills: fills})
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}

	path := archivePath(before, time.Now())
	if int64(len(buf)) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades upload: %w", err)
	}

	count := int64(len(records))

	if err := a.audit.Log(ctx, "trades_archived", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive trades audit log: %w", err)
	}

	return count, nil
}

// PruneSettledTrades deletes non-OPEN trades created before the cutoff.
// Callers run this only after ArchiveSettledTrades succeeded for the same
// cutoff.
func (a *ArchiveImpl) PruneSettledTrades(ctx context.Context, before time.Time) (int64, error) {
	count, err := a.trades.DeleteSettledBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: prune trades: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	if err := a.audit.Log(ctx, "trades_pruned", map[string]any{
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: prune trades audit log: %w", err)
	}

	return count, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff and suffixed with the sweep timestamp so repeated
// sweeps in the same month never overwrite each other.
//
//	archive/trades/2026-08/20260829T101500Z.jsonl
func archivePath(before, sweep time.Time) string {
	return fmt.Sprintf("archive/trades/%s/%s.jsonl",
		before.UTC().Format("2006-01"),
		sweep.UTC().Format("20060102T150405Z"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
