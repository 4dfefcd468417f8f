package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aubit/spreadbot/internal/domain"
)

// Narrow store interfaces: the archiver only needs the time-ranged queries it
// actually calls, not the full domain stores.

// TradeArchiveStore provides read access to trades for archival.
type TradeArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error)
}

// PositionArchiveStore provides read access to finished positions for
// archival.
type PositionArchiveStore interface {
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
}

// Archiver implements domain.Archiver by querying the stores for aged
// records, serializing them to JSONL, and uploading the result to blob
// storage.
//
// Deletion of archived rows from the primary store is intentionally not done
// here. That is a separate explicit step, run after the archive is verified.
type Archiver struct {
	writer    domain.BlobWriter
	trades    TradeArchiveStore
	positions PositionArchiveStore
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, trades TradeArchiveStore, positions PositionArchiveStore) *Archiver {
	return &Archiver{
		writer:    writer,
		trades:    trades,
		positions: positions,
	}
}

// ArchiveTrades uploads all trades submitted before the cutoff to
// archive/trades/YYYY-MM.jsonl and returns the archived count.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}

	path := archivePath("trades", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive trades upload: %w", err)
	}
	return int64(len(trades)), nil
}

// ArchivePositions uploads closed and settled positions opened before the
// cutoff to archive/positions/YYYY-MM.jsonl and returns the archived count.
func (a *Archiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}
	return int64(len(positions)), nil
}

// archivePath builds the object key, partitioned by the cutoff's year-month:
//
//	archive/trades/2026-08.jsonl
//	archive/positions/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises records as newline-delimited JSON.
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

var _ domain.Archiver = (*Archiver)(nil)
