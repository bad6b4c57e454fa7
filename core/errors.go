package core

import "errors"

// ErrKeyNotFound is returned by Get when the key has no live record, or when
// its latest record is a tombstone.
var ErrKeyNotFound = errors.New("key not found")

// ErrCorruptRecord is returned when a record frame's stored checksum does not
// match the checksum recomputed over its key+value bytes, or when a record
// frame is truncated mid-way through (as opposed to a clean end-of-stream
// between two complete records).
var ErrCorruptRecord = errors.New("corrupt record")

// ErrBadRequest is used by the HTTP collaborator layer; the engine itself
// never returns it.
var ErrBadRequest = errors.New("bad request")

// ErrEmptyValue is returned by Put when called with a zero-length value.
// Zero-length values are reserved for tombstones (§3 "a record whose value
// is empty is a tombstone").
var ErrEmptyValue = errors.New("put value must not be empty")

// ErrAlreadyLocked is returned by Open when another process already holds
// the directory's advisory lock.
var ErrAlreadyLocked = errors.New("data directory is locked by another process")
