package core

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a DB at Open time. All thresholds are fixed for the
// lifetime of the handle.
type Option func(*DB)

// WithMaxSegmentSize overrides the active-segment rollover threshold, in
// bytes. Test fixtures use 1,000,000; a tighter threshold is handy to force
// rollovers deterministically in tests.
func WithMaxSegmentSize(n int64) Option {
	return func(db *DB) { db.maxSegmentSize = n }
}

// WithFsync enables fsync after every Put/Delete append. Without it,
// durability is "write returned" = "bytes handed to the OS".
func WithFsync(b bool) Option {
	return func(db *DB) { db.fsync = b }
}

// WithCompactionEnabled toggles the background compactor goroutine.
func WithCompactionEnabled(b bool) Option {
	return func(db *DB) { db.compactionEnabled = b }
}

// WithCompactionInterval overrides the compactor's tick period. Defaults to
// 10s.
func WithCompactionInterval(d time.Duration) Option {
	return func(db *DB) { db.compactionInterval = d }
}

// WithLogger overrides the zap logger used for all structured log output.
// Defaults to zap.NewNop() so library callers who don't care about logging
// pay nothing for it.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(db *DB) { db.log = l }
}

// WithOnCompactionStart is a test hook invoked just after a compaction
// cycle has snapshotted its input segments.
func WithOnCompactionStart(f func()) Option {
	return func(db *DB) { db.onCompactionStart = f }
}
