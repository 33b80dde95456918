// Package engine implements the public contract FS probes use to turn a
// pending block write into a deferred snapshot job (spec.md §4.6,
// component C6): Test (cheap, speculative), Search (authoritative,
// returns a latch-holding Handle), and Enqueue (posts the job, releasing
// the latch unconditionally).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package engine

import (
	"github.com/StefanoBelli/blkdev-snapshot/internal/bdserr"
	"github.com/StefanoBelli/blkdev-snapshot/internal/config"
	"github.com/StefanoBelli/blkdev-snapshot/internal/devices"
	"github.com/StefanoBelli/blkdev-snapshot/internal/epoch"
	"github.com/StefanoBelli/blkdev-snapshot/internal/lru"
	"github.com/StefanoBelli/blkdev-snapshot/internal/snapblock"
	"github.com/StefanoBelli/blkdev-snapshot/internal/snapdir"
	"github.com/golang/glog"
)

// Engine is the collaborator FS probes, the mount observer, and the
// activation surface all hold a reference to (spec.md §9: "a singleton
// Engine value constructed at init, threaded through as a collaborator;
// never referenced by free functions").
type Engine struct {
	Registry *devices.Registry
	snapdirs *snapdir.Manager
	cfg      config.Config
}

// New wires a fresh Engine: the registry, the snap directory manager,
// and the tunables from config.Config.
func New(registry *devices.Registry, cfg config.Config) *Engine {
	return &Engine{
		Registry: registry,
		snapdirs: snapdir.NewManager(cfg.SnapshotRoot),
		cfg:      cfg,
	}
}

// Handle is the opaque token Search returns, with the per-entry
// cleanup_epoch latch held (spec.md §4.6 point 2). The caller is
// obligated to pair it with exactly one of Enqueue or Release.
type Handle struct {
	entry    *devices.DeviceEntry
	ep       *epoch.Epoch
	released bool
}

// Test is the cheap, speculative check any context may call (spec.md
// §4.6 point 1): true iff the device is registered, its epoch is
// mounted, and its work queue is neither destroyed nor mid-destruction.
func (e *Engine) Test(key devices.Key) bool {
	entry := e.Registry.Lookup(key)
	if entry == nil {
		return false
	}
	entry.Data.LockCleanupEpoch()
	defer entry.Data.UnlockCleanupEpoch()

	ep := entry.Data.CurrentEpoch()
	return ep != nil && ep.MountCount() > 0 && !entry.Data.WQIsDestroyed()
}

// Search is the authoritative check (spec.md §4.6 point 2). On success
// it returns a Handle with cleanup_epoch held, which the caller MUST
// pair with exactly one Enqueue or Release call.
func (e *Engine) Search(key devices.Key) *Handle {
	entry := e.Registry.Lookup(key)
	if entry == nil {
		return nil
	}

	entry.Data.LockCleanupEpoch()

	ep := entry.Data.CurrentEpoch()
	if ep == nil || ep.MountCount() == 0 || entry.Data.WQIsDestroyed() {
		entry.Data.UnlockCleanupEpoch()
		return nil
	}

	return &Handle{entry: entry, ep: ep}
}

// Release unlocks the cleanup_epoch latch without posting any job. Used
// by a caller that decided, after a successful Search, not to snapshot
// after all.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.entry.Data.UnlockCleanupEpoch()
}

// Enqueue attempts to post a snapshot job for (blknr, blksize, block) on
// the entry's work queue, releasing the cleanup_epoch latch before
// returning in every case (spec.md §9, "this spec mandates release-on-
// return in all cases to make the handle non-leakable"). Returns false
// if the work queue has become destroyed since Search, or refuses the
// submission.
func (e *Engine) Enqueue(h *Handle, block []byte, blknr uint64, blksize uint64) bool {
	defer h.Release()

	payload := make([]byte, len(block))
	copy(payload, block)

	ep := h.ep
	origName := h.entry.Data.OriginalName()

	return h.entry.Data.SubmitJob(func() {
		e.runSnapshotJob(origName, ep, blknr, blksize, payload)
	})
}

// runSnapshotJob is the worker body (spec.md §4.6): it runs
// single-threaded per device on that device's queue.
func (e *Engine) runSnapshotJob(origName string, ep *epoch.Epoch, blknr, blksize uint64, payload []byte) {
	if ep.CachedBlocks == nil {
		ep.CachedBlocks = lru.New[uint64](e.cfg.LRUCapacity)
	}

	if ep.CachedBlocks.ContainsMRU(blknr) {
		return // hot dedup, spec.md §4.6 step 2
	}

	sd, err := e.snapdirs.EnsureSnapdir(ep.Snapdir, origName, ep.FirstMountDate)
	if err != nil {
		glog.Errorf("blkdev-snapshot: op=ensure_snapdir dev=%q blknr=%d err=%v", origName, blknr, err)
		return
	}
	ep.Snapdir = sd

	f, err := e.snapdirs.EnsureSnapblocksFile(sd)
	if err != nil {
		glog.Errorf("blkdev-snapshot: op=ensure_snapblocks_file dev=%q blknr=%d err=%v", origName, blknr, err)
		return
	}
	defer f.Close()

	w := snapblock.Open(f)

	found, err := w.Contains(blknr)
	if err != nil {
		if bdserr.Is(err, bdserr.Integrity) {
			err = bdserr.Wrap(bdserr.Conflict, err, "snapblocks journal is corrupt and needs manual attention")
		}
		glog.Errorf("blkdev-snapshot: op=journal_scan dev=%q blknr=%d err=%v", origName, blknr, err)
		return
	}
	if found {
		ep.CachedBlocks.Insert(blknr) // cold dedup, spec.md §4.6 step 4
		return
	}

	if len(payload) != int(blksize) {
		glog.Warningf("blkdev-snapshot: op=append dev=%q blknr=%d payload len %d != blksize %d",
			origName, blknr, len(payload), blksize)
	}

	rec := snapblock.Record{BlockNr: blknr, PayloadKind: snapblock.PayloadRaw, Payload: payload}
	if err := w.Append(rec); err != nil {
		glog.Errorf("blkdev-snapshot: op=append dev=%q blknr=%d err=%v", origName, blknr, err)
		return
	}

	ep.CachedBlocks.Insert(blknr)
}
