package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutGet(t *testing.T) {
	db := openTestDB(t, WithCompactionEnabled(false))

	require.NoError(t, db.Put("foo", "bar"))
	val, err := db.Get("foo")
	require.NoError(t, err)
	assert.Equal(t, "bar", val)
}

func TestGetMissingKey(t *testing.T) {
	db := openTestDB(t, WithCompactionEnabled(false))

	_, err := db.Get("nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPutEmptyValueRejected(t *testing.T) {
	db := openTestDB(t, WithCompactionEnabled(false))

	err := db.Put("foo", "")
	assert.ErrorIs(t, err, ErrEmptyValue)
}

func TestOverwriteReturnsLatest(t *testing.T) {
	db := openTestDB(t, WithCompactionEnabled(false))

	require.NoError(t, db.Put("foo", "v1"))
	require.NoError(t, db.Put("foo", "v2"))

	val, err := db.Get("foo")
	require.NoError(t, err)
	assert.Equal(t, "v2", val)
}

func TestDeleteThenGetIsKeyNotFound(t *testing.T) {
	db := openTestDB(t, WithCompactionEnabled(false))

	require.NoError(t, db.Put("foo", "bar"))
	require.NoError(t, db.Delete("foo"))

	_, err := db.Get("foo")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestDeleteUnknownKeyIsNotAnError(t *testing.T) {
	db := openTestDB(t, WithCompactionEnabled(false))
	assert.NoError(t, db.Delete("never-set"))
}

func TestRotationCreatesMultipleSegments(t *testing.T) {
	db := openTestDB(t, WithCompactionEnabled(false), WithMaxSegmentSize(64))

	for i := 0; i < 50; i++ {
		require.NoError(t, db.Put(fmt.Sprintf("key-%d", i), "0123456789"))
	}

	names := db.ClosedSegmentNames()
	assert.NotEmpty(t, names)

	val, err := db.Get("key-0")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", val)
}

func TestReopenPreservesData(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, WithCompactionEnabled(false), WithMaxSegmentSize(64))
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		require.NoError(t, db.Put(fmt.Sprintf("key-%d", i), "0123456789"))
	}
	require.NoError(t, db.Close())

	reopened, err := Open(dir, WithCompactionEnabled(false))
	require.NoError(t, err)
	defer reopened.Close()

	val, err := reopened.Get("key-5")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", val)
}

func TestOpenTwiceFailsWithLockHeld(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, WithCompactionEnabled(false))
	require.NoError(t, err)
	defer db.Close()

	_, err = Open(dir, WithCompactionEnabled(false))
	assert.ErrorIs(t, err, ErrAlreadyLocked)
}

func TestReplaceSegmentsSplicesUnderNamedSegment(t *testing.T) {
	db := openTestDB(t, WithCompactionEnabled(false))

	require.NoError(t, db.Put("a", "1"))
	oldActiveName := db.active.name

	newPrev, err := createSegment(db.fs, db.dir, oldActiveName+1000)
	require.NoError(t, err)

	require.NoError(t, db.ReplaceSegments(oldActiveName, newPrev))
	assert.Same(t, newPrev, db.active.previous)
}

func TestReplaceSegmentsUnknownNameErrors(t *testing.T) {
	db := openTestDB(t, WithCompactionEnabled(false))
	err := db.ReplaceSegments(999999, nil)
	assert.Error(t, err)
}
