// Package snapdir manages the per-epoch snapshot directory and its
// journal file under the host's snapshot root (spec.md §4.3, component
// C3; on-disk layout in §6). Directory creation is idempotent: concurrent
// workers for different devices may race to create the shared
// "/snapshot" directory, and the teacher's own idiom for "first wins,
// rest observe-and-reuse" races (fs.MountedFS.Add racing on fsIDs) is
// reused here via golang.org/x/sync/singleflight rather than a bespoke
// mutex. The singleflight.Group lives on Manager itself (spec.md §9
// design note: config/collaborators are threaded through, never package
// globals) rather than as a package-level var.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package snapdir

import (
	"os"
	"path/filepath"
	"time"

	"github.com/StefanoBelli/blkdev-snapshot/internal/bdserr"
	"github.com/StefanoBelli/blkdev-snapshot/internal/config"
	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"
)

// Handle is a live reference to a created-and-verified snap directory.
// It is cheap to hold across calls: EnsureSnapdir revalidates it with a
// stat on every call and creates directories only when the handle is
// unset or no longer refers to a live directory (spec.md §4.3 step 1:
// "if valid, return it").
type Handle struct {
	Path string
}

// Manager creates and heals `<root>/<basename(origName)><date>/` and its
// `snapblocks` leaf file.
type Manager struct {
	root      string
	rootGroup singleflight.Group
}

// NewManager returns a Manager rooted at root (typically config.DefaultSnapshotRoot).
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// EnsureSnapdir implements spec.md §4.3 ensure_snapdir: if h already
// refers to a live directory, it is returned unchanged; otherwise the
// root and the per-epoch subdirectory are looked-up-or-created.
// A non-directory object at either name is a human-made conflict and is
// surfaced loudly rather than overwritten (spec.md §4.3 step 3).
func (m *Manager) EnsureSnapdir(h *Handle, origName string, firstMountDate string) (*Handle, error) {
	if h != nil && h.Path != "" {
		if ok, err := isHealthyDir(h.Path); err != nil {
			return nil, err
		} else if ok {
			return h, nil
		}
		glog.Warningf("blkdev-snapshot: snap directory %q is broken, recreating", h.Path)
	}

	if _, err, _ := m.rootGroup.Do(m.root, func() (interface{}, error) {
		return nil, m.ensureDir(m.root)
	}); err != nil {
		return nil, err
	}

	subdirName := filepath.Base(origName) + firstMountDate
	subdirPath := filepath.Join(m.root, subdirName)
	if err := m.ensureDir(subdirPath); err != nil {
		return nil, err
	}

	return &Handle{Path: subdirPath}, nil
}

// EnsureSnapblocksFile opens (creating if absent, mode 0600) the
// `snapblocks` leaf file for append+read. A pre-existing non-regular
// object at that name is a Conflict (spec.md §4.3).
func (m *Manager) EnsureSnapblocksFile(h *Handle) (*os.File, error) {
	p := filepath.Join(h.Path, config.SnapblocksFileName)

	info, err := os.Stat(p)
	switch {
	case err == nil:
		if !info.Mode().IsRegular() {
			return nil, bdserr.New(bdserr.Conflict,
				"expected \"snapblocks\" to be a regular file, found "+info.Mode().Type().String()+": "+p)
		}
	case os.IsNotExist(err):
		// created below by OpenFile.
	default:
		return nil, bdserr.Wrap(bdserr.BackendIO, err, "stat snapblocks file")
	}

	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, bdserr.Wrap(bdserr.BackendIO, err, "open snapblocks file")
	}
	return f, nil
}

func (m *Manager) ensureDir(path string) error {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.IsDir() {
			return bdserr.New(bdserr.Conflict,
				"expected existing object to be a directory, found a regular file: "+path)
		}
		return nil
	case os.IsNotExist(err):
		if mkErr := os.Mkdir(path, 0o700); mkErr != nil && !os.IsExist(mkErr) {
			return bdserr.Wrap(bdserr.BackendIO, mkErr, "mkdir "+path)
		}
		return nil
	default:
		return bdserr.Wrap(bdserr.BackendIO, err, "stat "+path)
	}
}

func isHealthyDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, bdserr.Wrap(bdserr.BackendIO, err, "stat "+path)
	}
	return info.IsDir(), nil
}

// FormatMountDate renders t in the §3 layout: "-YYYY-MM-DD_HH:MM:SS",
// exactly 20 bytes (the constant MountDateLayout already carries the
// leading hyphen).
func FormatMountDate(t time.Time) string {
	return t.Format(config.MountDateLayout)
}
