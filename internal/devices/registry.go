// Registry: the two keyed maps of registered devices and the
// RCU-style lookup/reclaim discipline (spec.md §4.4, component C4).
// The copy-on-write map swap is the same pattern the teacher uses for
// its available/disabled mountpath maps in fs/mountfs.go (atomic.Pointer
// swapped under a write mutex, read lock-free).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package devices

import (
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/StefanoBelli/blkdev-snapshot/internal/bdserr"
	"go.uber.org/atomic"
)

// Kind discriminates a registered device's key space (spec.md §3).
type Kind int

const (
	KindBlock Kind = iota
	KindLoop
)

// Key identifies a registered device: block devices by a 64-bit device
// id (major+minor), loop devices by the absolute, resolved path of
// their backing regular file (spec.md §3, §4.4).
type Key struct {
	Kind      Kind
	BlockDevT uint64
	LoopPath  string
}

func (k Key) digest() uint64 {
	if k.Kind == KindBlock {
		return k.BlockDevT
	}
	return xxhash.ChecksumString64S(k.LoopPath, 0)
}

// DeviceEntry is a registered device (spec.md §3). It is visible to
// lookup if and only if it is linked into the registry's current map
// snapshot; once unlinked it becomes unreachable by new lookups, though
// in-flight lookups may still hold a reference obtained before the
// unlink (RCU-style: the Go garbage collector is the reclaimer, so no
// explicit quarantine/grace-period bookkeeping is needed the way the
// kernel's kfree_rcu requires it).
type DeviceEntry struct {
	Key  Key
	Data *ObjectData
}

type deviceMap map[Key]*DeviceEntry

// Registry holds the block-devt and loop-backing-path maps plus the
// admission latch gating register/unregister (spec.md §4.4, §5).
type Registry struct {
	mu sync.Mutex // serializes mutation of the map snapshots below

	devices atomic.Pointer[deviceMap] // RCU-style: swapped wholesale, read lock-free

	// admission is the reader/writer gate from spec.md §4.4: a shutdown
	// closes it exclusively, new register/unregister calls fail with
	// ServiceShuttingDown while in-flight ones drain.
	admission sync.RWMutex
	closed    bool

	resolver PathResolver

	reclaimMu sync.Mutex
	reclaim   []*DeviceEntry
}

// NewRegistry returns an empty Registry using resolver to classify
// registration paths.
func NewRegistry(resolver PathResolver) *Registry {
	r := &Registry{resolver: resolver}
	m := make(deviceMap)
	r.devices.Store(&m)
	return r
}

func (r *Registry) snapshot() deviceMap {
	return *r.devices.Load()
}

func (r *Registry) publish(m deviceMap) {
	r.devices.Store(&m)
}

// Register resolves path to a Key, classifies it, and inserts a new
// DeviceEntry. Fails with AlreadyRegistered on a key collision, or
// ServiceShuttingDown if the registry's admission latch has been closed
// (spec.md §4.4).
func (r *Registry) Register(path string) (*DeviceEntry, error) {
	r.admission.RLock()
	defer r.admission.RUnlock()
	if r.closed {
		return nil, bdserr.New(bdserr.ServiceShuttingDown, "registry is shutting down")
	}

	key, err := r.resolver.Resolve(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot()
	if _, exists := cur[key]; exists {
		return nil, bdserr.New(bdserr.AlreadyRegistered, "device already registered: "+path)
	}

	next := make(deviceMap, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	entry := &DeviceEntry{Key: key, Data: newObjectData(path)}
	next[key] = entry
	r.publish(next)

	return entry, nil
}

// Unregister resolves path the same way Register does, unlinks the
// matching entry from the current map snapshot, and schedules it for
// reclaim (spec.md §4.4, §5 "Reclaim"). Fails with NotFound if no entry
// matches, or ServiceShuttingDown if closed.
func (r *Registry) Unregister(path string) error {
	r.admission.RLock()
	defer r.admission.RUnlock()
	if r.closed {
		return bdserr.New(bdserr.ServiceShuttingDown, "registry is shutting down")
	}

	key, err := r.resolver.Resolve(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	cur := r.snapshot()
	entry, exists := cur[key]
	if !exists {
		r.mu.Unlock()
		return bdserr.New(bdserr.NotFound, "device not registered: "+path)
	}

	next := make(deviceMap, len(cur))
	for k, v := range cur {
		if k != key {
			next[k] = v
		}
	}
	r.publish(next)
	r.mu.Unlock()

	r.scheduleReclaim(entry)
	return nil
}

// Lookup finds the DeviceEntry for key, if registered and still linked.
// Safe to call without any latch: the read is a single atomic pointer
// load against the current map snapshot (spec.md §4.4 lookup_mount).
func (r *Registry) Lookup(key Key) *DeviceEntry {
	return r.snapshot()[key]
}

// scheduleReclaim appends entry to the process-wide reclaim worklist
// (spec.md §5 "Reclaim"). The actual flush+destroy happens in Sweep,
// called opportunistically or, on shutdown, exhaustively.
func (r *Registry) scheduleReclaim(entry *DeviceEntry) {
	r.reclaimMu.Lock()
	r.reclaim = append(r.reclaim, entry)
	r.reclaimMu.Unlock()
}

// Sweep drains the reclaim worklist, flushing and destroying each
// entry's work queue and dropping its epoch. It is safe to call
// concurrently and repeatedly; entries already reclaimed are simply
// absent from the list by the time a racing Sweep gets to them.
func (r *Registry) Sweep() {
	r.reclaimMu.Lock()
	pending := r.reclaim
	r.reclaim = nil
	r.reclaimMu.Unlock()

	for _, entry := range pending {
		entry.Data.Drain()
		if e := entry.Data.CurrentEpoch(); e != nil {
			entry.Data.SetEpoch(nil)
		}
	}
}

// Shutdown closes the admission latch exclusively (failing any
// in-flight-but-not-yet-admitted register/unregister with
// ServiceShuttingDown) and then performs a blocking, exhaustive reclaim
// sweep over every remaining registered device plus anything already on
// the reclaim worklist (spec.md §5 "on shutdown the sweep is blocking
// and exhaustive").
func (r *Registry) Shutdown() {
	r.admission.Lock()
	r.closed = true
	r.admission.Unlock()

	r.mu.Lock()
	cur := r.snapshot()
	r.publish(make(deviceMap))
	r.mu.Unlock()

	for _, entry := range cur {
		r.scheduleReclaim(entry)
	}
	r.Sweep()
}
