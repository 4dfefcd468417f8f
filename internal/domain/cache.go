package domain

import (
	"context"
	"io"
	"time"
)

// TopOfBook is the telemetry snapshot published per market: best prices for
// both sides plus the capture time. Written best-effort; never read on the
// execution path.
type TopOfBook struct {
	MarketID   string
	YesBid     float64
	YesAsk     float64
	NoBid      float64
	NoAsk      float64
	CapturedAt time.Time
}

// SnapshotCache stores the latest top-of-book per market for diagnostics and
// dashboards.
type SnapshotCache interface {
	SetTopOfBook(ctx context.Context, tob TopOfBook) error
	GetTopOfBook(ctx context.Context, marketID string) (TopOfBook, error)
}

// LockManager provides distributed locking so at most one executor instance
// acts on an opportunity key at a time.
type LockManager interface {
	// Acquire takes the lock for key, returning an unlock func, or ErrLockHeld
	// when another holder owns it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// BlobWriter uploads objects to durable blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver moves aged records out of the primary store into blob storage.
type Archiver interface {
	ArchiveTrades(ctx context.Context, before time.Time) (int64, error)
	ArchivePositions(ctx context.Context, before time.Time) (int64, error)
}
