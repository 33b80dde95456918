// Object data: the per-device mutable state (spec.md §3, ObjectData) and
// its epoch.Host implementation.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package devices

import (
	"sync"

	"github.com/StefanoBelli/blkdev-snapshot/internal/epoch"
	"go.uber.org/atomic"
)

// ObjectData is the per-device mutable state described in spec.md §3.
// The three latches named there map onto three mutexes, two held here
// and one inside workQueue: the
// `general` latch is generalMu (guarding the compound check-then-act
// transitions in internal/epoch, per spec.md §5 position 4), and
// `wq_destroy` lives inside workQueue itself (the submission fence, §5
// position 5) since that's the only place it's ever taken jointly with
// the destroyed flag it protects. `cleanup_epoch` is cleanupEpochMu,
// held across a paired Search/Release or Search/Enqueue by the engine
// (internal/engine) and, on the N->0 transition, by internal/epoch
// itself, so a probe's Search..Enqueue window excludes reclaim.
//
// ep is an atomic pointer rather than a plain field guarded by
// generalMu: Test and Search (internal/engine) read it while holding
// only cleanup_epoch, a different latch, so the slot itself must be
// safe to load/store without generalMu held.
type ObjectData struct {
	originalName string

	generalMu sync.Mutex // the `general` latch (§5 position 4)
	ep        atomic.Pointer[epoch.Epoch]

	cleanupEpochMu sync.Mutex // the `cleanup_epoch` latch (§5 position 3)

	wq *workQueue
}

func newObjectData(originalName string) *ObjectData {
	return &ObjectData{
		originalName: originalName,
		wq:           newWorkQueue(),
	}
}

// OriginalName is the path by which the user registered this device.
func (o *ObjectData) OriginalName() string { return o.originalName }

// --- epoch.Host ---

func (o *ObjectData) Lock()   { o.generalMu.Lock() }
func (o *ObjectData) Unlock() { o.generalMu.Unlock() }

func (o *ObjectData) CurrentEpoch() *epoch.Epoch { return o.ep.Load() }
func (o *ObjectData) SetEpoch(e *epoch.Epoch)    { o.ep.Store(e) }

func (o *ObjectData) WQDestroyed() bool { return o.wq.Destroyed() }

func (o *ObjectData) PostCleanup(job func()) {
	o.wq.Submit(job)
}

func (o *ObjectData) Name() string { return o.originalName }

// --- engine-facing accessors ---

// LockCleanupEpoch acquires the cleanup_epoch latch (spec.md §5 position
// 3). Held by the engine across Search and its paired Enqueue/Release so
// a concurrent umount->0 transition cannot reclaim the epoch being
// targeted (spec.md §4.6 "invariant chain").
func (o *ObjectData) LockCleanupEpoch()   { o.cleanupEpochMu.Lock() }
func (o *ObjectData) UnlockCleanupEpoch() { o.cleanupEpochMu.Unlock() }

// SubmitJob posts job on the device's ordered queue, returning false if
// the queue has since been destroyed or is full.
func (o *ObjectData) SubmitJob(job func()) bool { return o.wq.Submit(job) }

// WQIsDestroyed reports the monotonic wq_destroyed flag.
func (o *ObjectData) WQIsDestroyed() bool { return o.wq.Destroyed() }

// Drain marks the work queue destroyed and blocks until in-flight and
// already-queued jobs finish (spec.md §3 wq_destroyed invariant).
func (o *ObjectData) Drain() { o.wq.Drain() }
