package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactOnceNoClosedSegmentsIsNoop(t *testing.T) {
	db := openTestDB(t, WithCompactionEnabled(false))
	require.NoError(t, db.Put("a", "1"))

	require.NoError(t, db.compactOnce())
	assert.Empty(t, db.ClosedSegmentNames())
}

func TestCompactOncePreservesLatestValues(t *testing.T) {
	db := openTestDB(t, WithCompactionEnabled(false), WithMaxSegmentSize(48))

	for i := 0; i < 40; i++ {
		require.NoError(t, db.Put(fmt.Sprintf("key-%d", i), "aaaaaaaaaa"))
	}
	// Overwrite a handful of keys after their original segment has closed.
	require.NoError(t, db.Put("key-0", "updated"))
	require.NoError(t, db.Put("key-1", "updated"))
	require.NoError(t, db.Delete("key-2"))

	before := len(db.ClosedSegmentNames())
	require.NotZero(t, before)

	require.NoError(t, db.compactOnce())

	after := len(db.ClosedSegmentNames())
	assert.Less(t, after, before)

	val, err := db.Get("key-0")
	require.NoError(t, err)
	assert.Equal(t, "updated", val)

	val, err = db.Get("key-1")
	require.NoError(t, err)
	assert.Equal(t, "updated", val)

	_, err = db.Get("key-2")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	val, err = db.Get("key-39")
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaa", val)
}

func TestCompactOnceUpdatesInitialSegmentMarker(t *testing.T) {
	db := openTestDB(t, WithCompactionEnabled(false), WithMaxSegmentSize(48))

	for i := 0; i < 20; i++ {
		require.NoError(t, db.Put(fmt.Sprintf("key-%d", i), "aaaaaaaaaa"))
	}
	require.NoError(t, db.compactOnce())

	closed := db.ClosedSegmentNames()
	require.NotEmpty(t, closed)
	oldestClosed := closed[len(closed)-1]

	marker, ok, err := readInitialSegment(db.fs, db.dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, oldestClosed, marker)
}

func TestCompactOnceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, WithCompactionEnabled(false), WithMaxSegmentSize(48))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, db.Put(fmt.Sprintf("key-%d", i), "aaaaaaaaaa"))
	}
	require.NoError(t, db.compactOnce())
	require.NoError(t, db.Close())

	reopened, err := Open(dir, WithCompactionEnabled(false))
	require.NoError(t, err)
	defer reopened.Close()

	val, err := reopened.Get("key-10")
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaa", val)
}

func TestTryCompactDropsConcurrentTick(t *testing.T) {
	db := openTestDB(t, WithCompactionEnabled(false), WithMaxSegmentSize(48))
	for i := 0; i < 20; i++ {
		require.NoError(t, db.Put(fmt.Sprintf("key-%d", i), "aaaaaaaaaa"))
	}

	require.True(t, db.compactSem.TryAcquire(1))
	db.tryCompact() // should be a no-op: semaphore already held
	db.compactSem.Release(1)

	assert.NotEmpty(t, db.ClosedSegmentNames())
}
