// Package devices implements the registration table tests (spec.md §8,
// property 8 "Registry uniqueness", and reclaim ordering).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package devices_test

import (
	"testing"

	"github.com/StefanoBelli/blkdev-snapshot/internal/bdserr"
	"github.com/StefanoBelli/blkdev-snapshot/internal/devices"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestDevicesMain(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Devices Suite")
}

// fakeResolver maps paths to fixed keys, so tests never touch real
// block devices.
type fakeResolver struct {
	keys map[string]devices.Key
}

func newFakeResolver() *fakeResolver { return &fakeResolver{keys: map[string]devices.Key{}} }

func (f *fakeResolver) withLoop(path string) *fakeResolver {
	f.keys[path] = devices.Key{Kind: devices.KindLoop, LoopPath: path}
	return f
}

func (f *fakeResolver) withBlock(path string, devt uint64) *fakeResolver {
	f.keys[path] = devices.Key{Kind: devices.KindBlock, BlockDevT: devt}
	return f
}

func (f *fakeResolver) Resolve(path string) (devices.Key, error) {
	k, ok := f.keys[path]
	if !ok {
		return devices.Key{}, bdserr.New(bdserr.InvalidArgument, "no fake mapping for "+path)
	}
	return k, nil
}

var _ = Describe("Registry", func() {
	It("registers a new device and makes it visible to Lookup", func() {
		r := devices.NewRegistry(newFakeResolver().withLoop("/tmp/img"))
		entry, err := r.Register("/tmp/img")
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Lookup(entry.Key)).To(BeIdenticalTo(entry))
	})

	It("fails the second Register of the same key with AlreadyRegistered", func() {
		resolver := newFakeResolver().withLoop("/tmp/img")
		r := devices.NewRegistry(resolver)

		_, err := r.Register("/tmp/img")
		Expect(err).NotTo(HaveOccurred())

		_, err = r.Register("/tmp/img")
		Expect(bdserr.Is(err, bdserr.AlreadyRegistered)).To(BeTrue())
	})

	It("fails Unregister of a never-registered device with NotFound", func() {
		r := devices.NewRegistry(newFakeResolver().withLoop("/tmp/img"))
		err := r.Unregister("/tmp/img")
		Expect(bdserr.Is(err, bdserr.NotFound)).To(BeTrue())
	})

	It("unlinks the entry on Unregister so Lookup stops finding it", func() {
		resolver := newFakeResolver().withLoop("/tmp/img")
		r := devices.NewRegistry(resolver)

		entry, err := r.Register("/tmp/img")
		Expect(err).NotTo(HaveOccurred())

		Expect(r.Unregister("/tmp/img")).To(Succeed())
		Expect(r.Lookup(entry.Key)).To(BeNil())
	})

	It("allows re-registering the same key after it has been unregistered", func() {
		resolver := newFakeResolver().withLoop("/tmp/img")
		r := devices.NewRegistry(resolver)

		Expect(mustRegister(r, "/tmp/img")).NotTo(BeNil())
		Expect(r.Unregister("/tmp/img")).To(Succeed())

		entry, err := r.Register("/tmp/img")
		Expect(err).NotTo(HaveOccurred())
		Expect(entry).NotTo(BeNil())
	})

	It("refuses register/unregister once shut down", func() {
		resolver := newFakeResolver().withLoop("/tmp/img").withLoop("/tmp/other")
		r := devices.NewRegistry(resolver)
		mustRegister(r, "/tmp/img")

		r.Shutdown()

		_, err := r.Register("/tmp/other")
		Expect(bdserr.Is(err, bdserr.ServiceShuttingDown)).To(BeTrue())

		err = r.Unregister("/tmp/img")
		Expect(bdserr.Is(err, bdserr.ServiceShuttingDown)).To(BeTrue())
	})

	It("reclaims every entry still registered at shutdown", func() {
		resolver := newFakeResolver().withLoop("/tmp/a").withLoop("/tmp/b")
		r := devices.NewRegistry(resolver)
		a := mustRegister(r, "/tmp/a")
		b := mustRegister(r, "/tmp/b")

		r.Shutdown()

		Expect(a.Data.WQIsDestroyed()).To(BeTrue())
		Expect(b.Data.WQIsDestroyed()).To(BeTrue())
	})

	It("keeps block and loop keys in disjoint spaces", func() {
		resolver := newFakeResolver().withLoop("/tmp/img").withBlock("/dev/sdb1", 0x0801)
		r := devices.NewRegistry(resolver)

		_, err := r.Register("/tmp/img")
		Expect(err).NotTo(HaveOccurred())
		_, err = r.Register("/dev/sdb1")
		Expect(err).NotTo(HaveOccurred())
	})
})

func mustRegister(r *devices.Registry, path string) *devices.DeviceEntry {
	entry, err := r.Register(path)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	return entry
}
