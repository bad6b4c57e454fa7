package core

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
)

// segmentHdrLen is the fixed 16-byte header every segment file starts with:
// an 8-byte segment name followed by an 8-byte next-segment name.
const segmentHdrLen = 16

// segment owns one append-only log file plus the in-memory index built
// against it. It is the unit the chain (chain.go) links together and the
// front end (db.go) appends to.
type segment struct {
	name     uint64
	file     afero.File
	index    map[string]int64 // key -> offset of the record's checksum field
	closed   bool
	size     int64
	previous *segment
	nextName uint64 // 0 means "no successor" (I5)
}

// segmentFileName returns the 16-hex-digit, zero-padded lowercase filename
// for a segment name.
func segmentFileName(name uint64) string {
	return fmt.Sprintf("%016x", name)
}

func segmentPath(dir string, name uint64) string {
	return filepath.Join(dir, segmentFileName(name))
}

// createSegment creates a brand-new active segment file: the 16-byte header
// is written immediately so the file is never observed in a headerless
// state.
func createSegment(fs afero.Fs, dir string, name uint64) (*segment, error) {
	path := segmentPath(dir, name)

	f, err := fs.OpenFile(path, osExclCreate, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment file %q: %w", path, err)
	}

	seg := &segment{
		name:  name,
		file:  f,
		index: make(map[string]int64),
	}

	if err := seg.writeHeader(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write header for segment %x: %w", name, err)
	}
	seg.size = segmentHdrLen

	return seg, nil
}

// openSegment opens an existing segment file, parses its header, and
// replays every record frame to rebuild the in-memory index (§4.2 open,
// "Index rebuild policy"). Replay unconditionally sets index[key] = pos for
// every record encountered, including tombstones; interpreting an
// empty-value hit as "absent" is the front end's job, not the
// segment's.
//
// Any replay error other than a clean end-of-stream aborts Open entirely: a
// corrupt or truncated trailing frame is never silently dropped.
func openSegment(fs afero.Fs, dir string, name uint64) (seg *segment, rerr error) {
	path := segmentPath(dir, name)

	f, err := fs.OpenFile(path, osReadWrite, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment file %q: %w", path, err)
	}
	defer func() {
		if rerr != nil {
			_ = f.Close()
		}
	}()

	var hdr [segmentHdrLen]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("read header of segment %x: %w", name, err)
	}
	hdrName := binary.BigEndian.Uint64(hdr[0:8])
	if hdrName != name {
		return nil, fmt.Errorf("segment file %q header names segment %x, not %x", path, hdrName, name)
	}
	nextName := binary.BigEndian.Uint64(hdr[8:16])

	seg = &segment{
		name:     name,
		file:     f,
		index:    make(map[string]int64),
		closed:   true,
		nextName: nextName,
	}

	sr := io.NewSectionReader(f, segmentHdrLen, 1<<62)
	br := bufio.NewReader(sr)

	pos := int64(segmentHdrLen)
	for {
		key, _, n, err := readRecord(br, pos)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("replay segment %x: %w", name, err)
		}

		seg.index[string(key)] = pos
		pos += n
	}

	seg.size = pos
	return seg, nil
}

func (s *segment) writeHeader() error {
	var hdr [segmentHdrLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], s.name)
	binary.BigEndian.PutUint64(hdr[8:16], s.nextName)
	_, err := s.file.WriteAt(hdr[:], 0)
	return err
}

// put appends a record for key/val at the current end of the segment and
// updates the index to point at it. val may be empty, in which
// case this writes a tombstone (delete uses this same path).
func (s *segment) put(key, val []byte, fsync bool) (int64, error) {
	if s.closed {
		return 0, fmt.Errorf("put on closed segment %x", s.name)
	}

	off := s.size
	buf := encodeRecord(key, val)
	if _, err := s.file.WriteAt(buf, off); err != nil {
		return 0, fmt.Errorf("write record to segment %x: %w", s.name, err)
	}

	s.size += int64(len(buf))
	s.index[string(key)] = off

	if fsync {
		if err := s.file.Sync(); err != nil {
			return 0, fmt.Errorf("sync segment %x: %w", s.name, err)
		}
	}

	return off, nil
}

// delete appends a tombstone for key.
func (s *segment) delete(key []byte, fsync bool) (int64, error) {
	return s.put(key, nil, fsync)
}

// get reads the record at key's indexed offset, if any. ok is false when
// key isn't in this segment's index; it says nothing about whether the
// record found is a tombstone — that interpretation belongs to the caller.
func (s *segment) get(key string) (val []byte, ok bool, err error) {
	off, ok := s.index[key]
	if !ok {
		return nil, false, nil
	}

	sr := io.NewSectionReader(s.file, off, 1<<62)
	_, val, _, err = readRecord(sr, off)
	if err != nil {
		return nil, true, fmt.Errorf("read record for key %q in segment %x: %w", key, s.name, err)
	}
	return val, true, nil
}

// linkPrevious takes ownership of pred as this segment's predecessor: pred
// is marked closed, its on-disk next-segment pointer is rewritten to this
// segment's name (the one-shot header patch permitted by §3), and pred
// becomes s.previous.
func (s *segment) linkPrevious(pred *segment) error {
	pred.closed = true
	pred.nextName = s.name
	if err := pred.writeHeader(); err != nil {
		return fmt.Errorf("patch next-segment pointer on segment %x: %w", pred.name, err)
	}
	s.previous = pred
	return nil
}

func (s *segment) close() error {
	if err := s.file.Sync(); err != nil {
		return err
	}
	return s.file.Close()
}
