// Package snapblock provides the append-only journal format tests.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package snapblock_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/StefanoBelli/blkdev-snapshot/internal/bdserr"
	"github.com/StefanoBelli/blkdev-snapshot/internal/snapblock"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *os.File {
	t.Helper()
	p := filepath.Join(t.TempDir(), "snapblocks")
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestAppendThenContainsRoundTrip(t *testing.T) {
	w := snapblock.Open(openTemp(t))

	require.NoError(t, w.Append(snapblock.Record{BlockNr: 7, Payload: []byte("AAAA")}))

	found, err := w.Contains(7)
	require.NoError(t, err)
	require.True(t, found)

	found, err = w.Contains(8)
	require.NoError(t, err)
	require.False(t, found)
}

func TestContainsSkipsPastNonMatchingRecords(t *testing.T) {
	w := snapblock.Open(openTemp(t))

	require.NoError(t, w.Append(snapblock.Record{BlockNr: 1, Payload: []byte("one-payload")}))
	require.NoError(t, w.Append(snapblock.Record{BlockNr: 2, Payload: []byte("two")}))
	require.NoError(t, w.Append(snapblock.Record{BlockNr: 3, Payload: []byte("three-payload-longer")}))

	for _, blk := range []uint64{1, 2, 3} {
		found, err := w.Contains(blk)
		require.NoError(t, err)
		require.Truef(t, found, "expected to find block %d", blk)
	}

	found, err := w.Contains(99)
	require.NoError(t, err)
	require.False(t, found)
}

func TestContainsOnEmptyFileIsFalse(t *testing.T) {
	w := snapblock.Open(openTemp(t))
	found, err := w.Contains(1)
	require.NoError(t, err)
	require.False(t, found)
}

func TestContainsSurfacesCorruptedMagic(t *testing.T) {
	f := openTemp(t)
	w := snapblock.Open(f)
	require.NoError(t, w.Append(snapblock.Record{BlockNr: 1, Payload: []byte("x")}))

	// flip a bit in the magic field at the start of the file, through a
	// second handle: os.File.WriteAt refuses a file opened O_APPEND.
	g, err := os.OpenFile(f.Name(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer g.Close()
	_, err = g.WriteAt([]byte{0xff}, 0)
	require.NoError(t, err)

	_, err = w.Contains(1)
	require.Error(t, err)
	require.True(t, bdserr.Is(err, bdserr.Integrity))
}

func TestExtendedHeaderShiftsPayloadOffset(t *testing.T) {
	w := snapblock.Open(openTemp(t))
	rec := snapblock.Record{BlockNr: 5, ExtendedHeader: []byte{1, 2, 3, 4}, Payload: []byte("payload")}
	require.Equal(t, uint64(44), rec.PayloadOffset())
	require.NoError(t, w.Append(rec))

	found, err := w.Contains(5)
	require.NoError(t, err)
	require.True(t, found)
}
