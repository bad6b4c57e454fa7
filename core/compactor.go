package core

import (
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/afero"
)

// runCompactionLoop is the dedicated background goroutine described in §5:
// "One dedicated background thread runs the compactor on a timed cycle." It
// exits as soon as db.stopCompaction is closed.
func (db *DB) runCompactionLoop() {
	defer close(db.compactionDone)

	ticker := time.NewTicker(db.compactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-db.stopCompaction:
			return
		case <-ticker.C:
			db.tryCompact()
		}
	}
}

// tryCompact runs a compaction cycle unless one is already in flight, in
// which case the tick is dropped (§4.5 intro: "Runs concurrently with
// front-end traffic on a fixed interval").
func (db *DB) tryCompact() {
	if !db.compactSem.TryAcquire(1) {
		return
	}
	defer db.compactSem.Release(1)

	if err := db.compactOnce(); err != nil {
		db.log.Errorw("compaction failed", "error", err)
	}
}

// compactOnce runs one full compaction cycle.
func (db *DB) compactOnce() error {
	toCompact, activeAtStart := db.snapshotForCompaction()
	if len(toCompact) == 0 {
		return nil
	}

	db.onCompactionStart()

	writer, err := newCompactionWriter(db.fs, db.dir, db.maxSegmentSize, db.fsync)
	if err != nil {
		return fmt.Errorf("start compaction writer: %w", err)
	}

	if err := writer.absorb(toCompact); err != nil {
		writer.abort()
		return fmt.Errorf("compact segments: %w", err)
	}

	if err := writer.sync(); err != nil {
		writer.abort()
		return fmt.Errorf("sync compacted segments: %w", err)
	}

	// §4.5 step 3/4: the compacted chain's newest segment becomes the sole
	// predecessor of the segment that was active when we started; its
	// on-disk next-segment pointer is patched to point at it before the
	// splice is published, mirroring the source's update_next_file step.
	newestCompacted := writer.active
	newestCompacted.closed = true
	newestCompacted.nextName = activeAtStart
	if err := newestCompacted.writeHeader(); err != nil {
		writer.abort()
		return fmt.Errorf("patch compacted chain's next pointer: %w", err)
	}

	newInitial := writer.segments[0].name
	if err := writeInitialSegment(db.fs, db.dir, newInitial); err != nil {
		writer.abort()
		return fmt.Errorf("update initial segment marker: %w", err)
	}

	if err := db.ReplaceSegments(activeAtStart, newestCompacted); err != nil {
		// initial_segment now points past a chain the live DB doesn't
		// reference; this can only happen if activeAtStart rotated out of
		// existence entirely, which rotation never does. Surface loudly.
		return fmt.Errorf("splice compacted chain: %w", err)
	}

	db.deleteSegmentFiles(toCompact)
	db.log.Infow("compaction complete",
		"compacted_segments", len(toCompact),
		"new_initial", segmentFileName(newInitial),
	)
	return nil
}

// snapshotForCompaction takes the same-exclusion snapshot required by §4.5
// step 1: the set of currently-closed segments and the active segment's
// name, as of one consistent instant.
func (db *DB) snapshotForCompaction() (toCompact []*segment, activeAtStart uint64) {
	db.rw.RLock()
	defer db.rw.RUnlock()

	activeAtStart = db.active.name
	for seg := db.active.previous; seg != nil; seg = seg.previous {
		toCompact = append(toCompact, seg)
	}
	return toCompact, activeAtStart
}

func (db *DB) deleteSegmentFiles(segs []*segment) {
	for _, seg := range segs {
		if err := seg.file.Close(); err != nil {
			db.log.Warnw("close old segment after compaction", "segment", segmentFileName(seg.name), "error", err)
		}
		if err := db.fs.Remove(segmentPath(db.dir, seg.name)); err != nil {
			db.log.Warnw("remove old segment after compaction", "segment", segmentFileName(seg.name), "error", err)
		}
	}
}

// compactionWriter is a minimal, self-contained write path used only during
// compaction: it rolls over at the same size threshold as DB.Put but writes
// into a brand-new sub-chain instead of the live one (§4.5 step 2, "its own
// fresh active segment(s)"). It rolls over only when the next record
// arrives, so the compacted chain never ends in an empty segment.
type compactionWriter struct {
	db       *dbWriterDeps
	active   *segment
	segments []*segment // oldest first
	seen     mapset.Set[string]
}

// dbWriterDeps is the subset of DB state the compaction writer needs,
// pulled out so compactionWriter doesn't depend on *DB directly (it must
// not touch the live chain or its lock at all during the bulk-copy phase).
type dbWriterDeps struct {
	fs             afero.Fs
	dir            string
	maxSegmentSize int64
	fsync          bool
}

func newCompactionWriter(fs afero.Fs, dir string, maxSegmentSize int64, fsync bool) (*compactionWriter, error) {
	name, err := newSegmentName(fs, dir)
	if err != nil {
		return nil, err
	}
	seg, err := createSegment(fs, dir, name)
	if err != nil {
		return nil, err
	}

	w := &compactionWriter{
		db:       &dbWriterDeps{fs: fs, dir: dir, maxSegmentSize: maxSegmentSize, fsync: fsync},
		active:   seg,
		segments: []*segment{seg},
		seen:     mapset.NewSet[string](),
	}
	return w, nil
}

// absorb copies the live value of every key across toCompact (newest to
// oldest) into the writer, keeping only the first (i.e. newest) occurrence
// of each key — this is the "newest-wins" rule of §4.5 step 2, which agrees
// with the live chain's own read semantics. Tombstones copy through
// unchanged so a delete recorded in an old segment still shadows the key
// after compaction.
func (w *compactionWriter) absorb(toCompact []*segment) error {
	for _, seg := range toCompact {
		for key := range seg.index {
			if w.seen.Contains(key) {
				continue
			}

			val, ok, err := seg.get(key)
			if err != nil {
				return fmt.Errorf("read %q from segment %x: %w", key, seg.name, err)
			}
			if !ok {
				continue // can't happen: key came from this segment's own index
			}

			if err := w.put([]byte(key), val); err != nil {
				return err
			}
			w.seen.Add(key)
		}
	}
	return nil
}

func (w *compactionWriter) put(key, val []byte) error {
	if w.active.size > w.db.maxSegmentSize {
		name, err := newSegmentName(w.db.fs, w.db.dir)
		if err != nil {
			return fmt.Errorf("rollover compaction segment: %w", err)
		}
		next, err := createSegment(w.db.fs, w.db.dir, name)
		if err != nil {
			return fmt.Errorf("rollover compaction segment: %w", err)
		}
		if err := next.linkPrevious(w.active); err != nil {
			_ = next.close()
			return err
		}

		w.active = next
		w.segments = append(w.segments, next)
	}

	_, err := w.active.put(key, val, w.db.fsync)
	return err
}

func (w *compactionWriter) sync() error {
	for _, seg := range w.segments {
		if err := seg.file.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// abort is called on any compaction failure; §7 requires that "a compaction
// failure leaves all on-disk state exactly as before the splice step",
// which holds as long as every segment this writer created gets removed
// before we return.
func (w *compactionWriter) abort() {
	for _, seg := range w.segments {
		_ = seg.file.Close()
		_ = w.db.fs.Remove(segmentPath(w.db.dir, seg.name))
	}
}
