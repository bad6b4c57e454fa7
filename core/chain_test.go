package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestOpenChainColdStartCreatesInitialSegment(t *testing.T) {
	fs := newMemFs(t)

	active, err := openChain(fs, "/db", zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Nil(t, active.previous)

	name, ok, err := readInitialSegment(fs, "/db")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, active.name, name)
}

func TestOpenChainRediscoversExistingChain(t *testing.T) {
	fs := newMemFs(t)

	first, err := openChain(fs, "/db", zap.NewNop().Sugar())
	require.NoError(t, err)
	_, err = first.put([]byte("a"), []byte("1"), true)
	require.NoError(t, err)

	second, err := createSegment(fs, "/db", first.name+1)
	require.NoError(t, err)
	require.NoError(t, second.linkPrevious(first))
	_, err = second.put([]byte("b"), []byte("2"), true)
	require.NoError(t, err)
	require.NoError(t, second.file.Sync())

	active, err := openChain(fs, "/db", zap.NewNop().Sugar())
	require.NoError(t, err)

	// active is a fresh third segment linked onto second, which is now closed.
	assert.NotEqual(t, second.name, active.name)
	require.NotNil(t, active.previous)
	assert.Equal(t, second.name, active.previous.name)
	require.NotNil(t, active.previous.previous)
	assert.Equal(t, first.name, active.previous.previous.name)
	assert.Nil(t, active.previous.previous.previous)

	val, ok, err := active.previous.previous.get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(val))
}

func TestWriteReadInitialSegmentRoundTrip(t *testing.T) {
	fs := newMemFs(t)
	require.NoError(t, writeInitialSegment(fs, "/db", 42))

	name, ok, err := readInitialSegment(fs, "/db")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 42, name)

	// A second write must durably overwrite the first, not append or fail.
	require.NoError(t, writeInitialSegment(fs, "/db", 99))
	name, ok, err = readInitialSegment(fs, "/db")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 99, name)
}

func TestReadInitialSegmentAbsentIsNotAnError(t *testing.T) {
	fs := newMemFs(t)
	_, ok, err := readInitialSegment(fs, "/db")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckOrphanedSegmentsWarnsOnUnreachableFile(t *testing.T) {
	fs := newMemFs(t)

	active, err := createSegment(fs, "/db", 1)
	require.NoError(t, err)

	// A file left behind by e.g. a crash mid-rotation: on disk, but not
	// reachable from active via next_segment_name.
	orphan, err := createSegment(fs, "/db", 2)
	require.NoError(t, err)
	require.NoError(t, orphan.close())

	obsCore, logs := observer.New(zap.WarnLevel)
	log := zap.New(obsCore).Sugar()

	require.NoError(t, checkOrphanedSegments(fs, "/db", active, log))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "orphaned segment files on disk", entries[0].Message)
}

func TestCheckOrphanedSegmentsSilentWhenChainCoversDisk(t *testing.T) {
	fs := newMemFs(t)

	older, err := createSegment(fs, "/db", 1)
	require.NoError(t, err)
	active, err := createSegment(fs, "/db", 2)
	require.NoError(t, err)
	require.NoError(t, active.linkPrevious(older))

	obsCore, logs := observer.New(zap.WarnLevel)
	log := zap.New(obsCore).Sugar()

	require.NoError(t, checkOrphanedSegments(fs, "/db", active, log))
	assert.Empty(t, logs.All())
}

func TestOpenChainWarnsAboutOrphanAtStartup(t *testing.T) {
	fs := newMemFs(t)

	first, err := openChain(fs, "/db", zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, first.file.Sync())

	// A stray segment file that was never linked into the chain.
	stray, err := createSegment(fs, "/db", first.name+1)
	require.NoError(t, err)
	require.NoError(t, stray.close())

	obsCore, logs := observer.New(zap.WarnLevel)
	log := zap.New(obsCore).Sugar()

	_, err = openChain(fs, "/db", log)
	require.NoError(t, err)

	found := false
	for _, entry := range logs.All() {
		if entry.Message == "orphaned segment files on disk" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestIsSegmentFileName(t *testing.T) {
	assert.True(t, isSegmentFileName("0000000000000001"))
	assert.True(t, isSegmentFileName(segmentFileName(1)))
	assert.False(t, isSegmentFileName("initial_segment"))
	assert.False(t, isSegmentFileName("0000000000000001.tmp"))
	assert.False(t, isSegmentFileName("short"))
}
