// Tests for the snap directory manager (spec.md §4.3, §8 property
// "directory healing" and the human-conflict edge case).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package snapdir_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/StefanoBelli/blkdev-snapshot/internal/bdserr"
	"github.com/StefanoBelli/blkdev-snapshot/internal/snapdir"
	"github.com/stretchr/testify/require"
)

func TestEnsureSnapdirCreatesRootAndSubdir(t *testing.T) {
	root := t.TempDir()
	m := snapdir.NewManager(filepath.Join(root, "snapshot"))

	h, err := m.EnsureSnapdir(nil, "/dev/loop0", "-2026-07-31_00:00:00")
	require.NoError(t, err)
	require.DirExists(t, h.Path)
	require.Equal(t, filepath.Join(root, "snapshot", "loop0-2026-07-31_00:00:00"), h.Path)
}

func TestEnsureSnapdirIsIdempotentOnLiveHandle(t *testing.T) {
	root := t.TempDir()
	m := snapdir.NewManager(filepath.Join(root, "snapshot"))

	h1, err := m.EnsureSnapdir(nil, "/dev/loop0", "-2026-07-31_00:00:00")
	require.NoError(t, err)

	h2, err := m.EnsureSnapdir(h1, "/dev/loop0", "-2026-07-31_00:00:00")
	require.NoError(t, err)
	require.Equal(t, h1.Path, h2.Path)
}

func TestEnsureSnapdirHealsABrokenHandle(t *testing.T) {
	root := t.TempDir()
	m := snapdir.NewManager(filepath.Join(root, "snapshot"))

	h1, err := m.EnsureSnapdir(nil, "/dev/loop0", "-2026-07-31_00:00:00")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(h1.Path))

	h2, err := m.EnsureSnapdir(h1, "/dev/loop0", "-2026-07-31_00:00:00")
	require.NoError(t, err)
	require.DirExists(t, h2.Path)
}

func TestEnsureSnapdirConflictsWithAPreExistingFile(t *testing.T) {
	root := t.TempDir()
	snapRoot := filepath.Join(root, "snapshot")
	require.NoError(t, os.MkdirAll(snapRoot, 0o700))
	collidingPath := filepath.Join(snapRoot, "loop0-2026-07-31_00:00:00")
	require.NoError(t, os.WriteFile(collidingPath, []byte("not a dir"), 0o600))

	m := snapdir.NewManager(snapRoot)
	_, err := m.EnsureSnapdir(nil, "/dev/loop0", "-2026-07-31_00:00:00")
	require.Error(t, err)
	require.True(t, bdserr.Is(err, bdserr.Conflict))
}

func TestEnsureSnapdirConcurrentRootCreationIsSafe(t *testing.T) {
	root := t.TempDir()
	snapRoot := filepath.Join(root, "snapshot")

	m := snapdir.NewManager(snapRoot)
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.EnsureSnapdir(nil, "/dev/loop0", "-2026-07-31_00:00:00")
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.DirExists(t, snapRoot)
}

func TestEnsureSnapblocksFileCreatesThenReopens(t *testing.T) {
	root := t.TempDir()
	m := snapdir.NewManager(filepath.Join(root, "snapshot"))
	h, err := m.EnsureSnapdir(nil, "/dev/loop0", "-2026-07-31_00:00:00")
	require.NoError(t, err)

	f1, err := m.EnsureSnapblocksFile(h)
	require.NoError(t, err)
	require.NoError(t, f1.Close())

	f2, err := m.EnsureSnapblocksFile(h)
	require.NoError(t, err)
	require.NoError(t, f2.Close())
}

func TestEnsureSnapblocksFileConflictsWithADirectory(t *testing.T) {
	root := t.TempDir()
	m := snapdir.NewManager(filepath.Join(root, "snapshot"))
	h, err := m.EnsureSnapdir(nil, "/dev/loop0", "-2026-07-31_00:00:00")
	require.NoError(t, err)

	require.NoError(t, os.Mkdir(filepath.Join(h.Path, "snapblocks"), 0o700))

	_, err = m.EnsureSnapblocksFile(h)
	require.Error(t, err)
	require.True(t, bdserr.Is(err, bdserr.Conflict))
}
