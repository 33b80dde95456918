// Package epoch tests cover the mount/umount transition machine
// (spec.md §4.5, §8 property 3 "Epoch change resets dedup").
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package epoch_test

import (
	"sync"
	"testing"

	"github.com/StefanoBelli/blkdev-snapshot/internal/epoch"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestEpochMain(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Epoch Suite")
}

// fakeHost is a minimal epoch.Host for unit-testing the transition
// logic in isolation from internal/devices.
type fakeHost struct {
	mu          sync.Mutex
	cleanupMu   sync.Mutex
	ep          *epoch.Epoch
	destroyed   bool
	cleanupJobs []func()
}

func (h *fakeHost) Lock()   { h.mu.Lock() }
func (h *fakeHost) Unlock() { h.mu.Unlock() }

func (h *fakeHost) LockCleanupEpoch()   { h.cleanupMu.Lock() }
func (h *fakeHost) UnlockCleanupEpoch() { h.cleanupMu.Unlock() }

func (h *fakeHost) CurrentEpoch() *epoch.Epoch { return h.ep }
func (h *fakeHost) SetEpoch(e *epoch.Epoch)    { h.ep = e }
func (h *fakeHost) WQDestroyed() bool          { return h.destroyed }
func (h *fakeHost) Name() string               { return "fake" }
func (h *fakeHost) PostCleanup(job func()) {
	h.cleanupJobs = append(h.cleanupJobs, job)
}

var _ = Describe("MountSeen/UmountSeen", func() {
	It("allocates a fresh epoch on the 0->1 transition", func() {
		h := &fakeHost{}
		epoch.MountSeen(h)
		Expect(h.CurrentEpoch()).NotTo(BeNil())
		Expect(h.CurrentEpoch().MountCount()).To(Equal(1))
		Expect(h.CurrentEpoch().FirstMountDate).NotTo(BeEmpty())
	})

	It("only increments mount_count on subsequent mounts", func() {
		h := &fakeHost{}
		epoch.MountSeen(h)
		first := h.CurrentEpoch()
		epoch.MountSeen(h)
		Expect(h.CurrentEpoch()).To(BeIdenticalTo(first))
		Expect(h.CurrentEpoch().MountCount()).To(Equal(2))
	})

	It("detaches the epoch and posts a cleanup job on N->0", func() {
		h := &fakeHost{}
		epoch.MountSeen(h)
		epoch.UmountSeen(h)

		Expect(h.CurrentEpoch()).To(BeNil())
		Expect(h.cleanupJobs).To(HaveLen(1))
	})

	It("floors mount_count at 0 instead of going negative", func() {
		h := &fakeHost{}
		epoch.MountSeen(h)
		epoch.UmountSeen(h)
		epoch.UmountSeen(h) // spurious extra umount, no matching mount

		Expect(h.CurrentEpoch()).To(BeNil())
	})

	It("starts a brand new epoch with a fresh cache on the next 0->1 after 1->0", func() {
		h := &fakeHost{}
		epoch.MountSeen(h)
		first := h.CurrentEpoch()
		epoch.UmountSeen(h)

		epoch.MountSeen(h)
		second := h.CurrentEpoch()

		Expect(second).NotTo(BeIdenticalTo(first))
		Expect(second.CachedBlocks).To(BeNil()) // lazily reinitialized by the engine worker
	})

	It("destroys the epoch inline when the work queue is already destroyed", func() {
		h := &fakeHost{destroyed: true}
		epoch.MountSeen(h)
		epoch.UmountSeen(h)

		Expect(h.cleanupJobs).To(BeEmpty())
		Expect(h.CurrentEpoch()).To(BeNil())
	})
})
