// Package core implements the segment-log storage engine: record codec,
// segment files, the on-disk segment chain, the key-value front end, and
// the background compactor.
package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DB is the embedded key-value store. The zero value is
// not usable; construct one with Open.
type DB struct {
	dir  string
	fs   afero.Fs
	lock *dirLock

	rw     sync.RWMutex // guards active/previous chain shape and every segment's index
	active *segment     // tail of db.active.previous... chain; always the writer

	maxSegmentSize int64
	fsync          bool

	compactionEnabled  bool
	compactionInterval time.Duration
	compactSem         *semaphore.Weighted // single-flight guard for the compactor
	stopCompaction     chan struct{}
	compactionDone     chan struct{}
	onCompactionStart  func()

	log *zap.SugaredLogger
}

// Open discovers or initialises the segment chain in dir and returns a
// ready-to-use DB.
func Open(dir string, opts ...Option) (db *DB, err error) {
	fs := newOsFs()

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}

	lock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}

	db = &DB{
		dir:                dir,
		fs:                 fs,
		lock:               lock,
		maxSegmentSize:     1_000_000,
		compactionEnabled:  true,
		compactionInterval: 10 * time.Second,
		compactSem:         semaphore.NewWeighted(1),
		stopCompaction:     make(chan struct{}),
		compactionDone:     make(chan struct{}),
		onCompactionStart:  func() {},
		log:                zap.NewNop().Sugar(),
	}

	for _, opt := range opts {
		opt(db)
	}

	defer func() {
		if err != nil {
			_ = lock.unlock()
		}
	}()

	active, err := openChain(fs, dir, db.log)
	if err != nil {
		return nil, fmt.Errorf("open chain in %q: %w", dir, err)
	}
	db.active = active

	if db.compactionEnabled {
		go db.runCompactionLoop()
	}

	return db, nil
}

// Get returns the value most recently written for key, walking the chain
// newest-to-oldest and stopping at the first segment whose index contains
// key.
func (db *DB) Get(key string) (string, error) {
	db.rw.RLock()
	defer db.rw.RUnlock()

	val, found, err := db.getLocked(key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return string(val), nil
}

// getLocked must be called with rw held (read or write). It returns
// found=false both for a genuine miss and for a tombstone hit, matching I3:
// a tombstone shadows older history and is never shown to the caller.
func (db *DB) getLocked(key string) (val []byte, found bool, err error) {
	for seg := db.active; seg != nil; seg = seg.previous {
		v, ok, err := seg.get(key)
		if err != nil {
			return nil, false, fmt.Errorf("read key %q from segment %x: %w", key, seg.name, err)
		}
		if !ok {
			continue
		}
		if len(v) == 0 {
			// Tombstone: shadow all older history, do not keep walking (I3).
			return nil, false, nil
		}
		return v, true, nil
	}
	return nil, false, nil
}

// Put writes key=val to the active segment, rotating to a new active
// segment if the write pushed it past the configured size threshold (§4.4
// put, I1). val must be non-empty; empty values are reserved for
// tombstones.
func (db *DB) Put(key, val string) error {
	if len(val) == 0 {
		return ErrEmptyValue
	}

	db.rw.Lock()
	defer db.rw.Unlock()

	if _, err := db.active.put([]byte(key), []byte(val), db.fsync); err != nil {
		return err
	}

	return db.maybeRotate()
}

// Delete appends a tombstone for key to the active segment.
// Deleting a key that was never set is not an error.
func (db *DB) Delete(key string) error {
	db.rw.Lock()
	defer db.rw.Unlock()

	if _, err := db.active.delete([]byte(key), db.fsync); err != nil {
		return err
	}

	return db.maybeRotate()
}

// maybeRotate must be called with rw held for writing. §4.4 "Rotation
// ordering (critical)": the outgoing segment's header is rewritten before
// anything else observes the new active segment, which linkPrevious already
// guarantees by patching the predecessor's header synchronously.
func (db *DB) maybeRotate() error {
	if db.active.size <= db.maxSegmentSize {
		return nil
	}

	name, err := newSegmentName(db.fs, db.dir)
	if err != nil {
		return fmt.Errorf("rotate: %w", err)
	}

	newActive, err := createSegment(db.fs, db.dir, name)
	if err != nil {
		return fmt.Errorf("rotate: create new active segment: %w", err)
	}

	if err := newActive.linkPrevious(db.active); err != nil {
		_ = newActive.close()
		return fmt.Errorf("rotate: link previous: %w", err)
	}

	db.active = newActive
	db.log.Infow("rotated active segment", "new", segmentFileName(name))
	return nil
}

// ClosedSegmentNames returns the names of every currently-closed segment,
// newest first, for use by the compactor.
func (db *DB) ClosedSegmentNames() []uint64 {
	db.rw.RLock()
	defer db.rw.RUnlock()

	var names []uint64
	for seg := db.active.previous; seg != nil; seg = seg.previous {
		names = append(names, seg.name)
	}
	return names
}

// ActiveSegmentName returns the name of the segment currently accepting
// writes.
func (db *DB) ActiveSegmentName() uint64 {
	db.rw.RLock()
	defer db.rw.RUnlock()
	return db.active.name
}

// ReplaceSegments splices newPrevious in as the predecessor of the segment
// named activeName, wherever it sits in the chain (§6 replace_segments,
// §4.5 step 4). It is the compactor's only mutation of live chain state.
func (db *DB) ReplaceSegments(activeName uint64, newPrevious *segment) error {
	db.rw.Lock()
	defer db.rw.Unlock()

	for seg := db.active; seg != nil; seg = seg.previous {
		if seg.name == activeName {
			seg.previous = newPrevious
			return nil
		}
	}
	return fmt.Errorf("replace segments: no segment named %x in the live chain", activeName)
}

// Close stops the compactor, flushes and closes every segment in the chain,
// and releases the directory lock.
func (db *DB) Close() error {
	if db.compactionEnabled {
		close(db.stopCompaction)
		<-db.compactionDone
	}

	db.rw.Lock()
	defer db.rw.Unlock()

	var firstErr error
	for seg := db.active; seg != nil; seg = seg.previous {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := db.lock.unlock(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// DiskSize returns the sum of all on-disk segment file sizes currently in
// the live chain.
func (db *DB) DiskSize() (int64, error) {
	db.rw.RLock()
	defer db.rw.RUnlock()

	var total int64
	for seg := db.active; seg != nil; seg = seg.previous {
		total += seg.size
	}
	return total, nil
}
