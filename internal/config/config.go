// Package config holds the small set of tunables the engine needs at
// start-up. There is no cluster-wide config server in this port (unlike
// the teacher's cmn.GCO) so a single Config value is constructed once by
// the caller and threaded through as a collaborator.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package config

import "time"

const (
	// DefaultLRUCapacity is the per-epoch dedup cache capacity (§3, ObjectData.epoch.cached_blocks).
	DefaultLRUCapacity = 1 << 16

	// DefaultSnapshotRoot is the host-rootfs directory snap directories are created under (§6).
	DefaultSnapshotRoot = "/snapshot"

	// SnapblocksFileName is the leaf journal file name inside a snap directory (§6).
	SnapblocksFileName = "snapblocks"

	// MandatoryHeaderSize is the fixed 40-byte header size for every snapblock record (§3).
	MandatoryHeaderSize = 40

	// MountDateLayout formats first_mount_date as "-YYYY-MM-DD_HH:MM:SS", 20 bytes (§3).
	MountDateLayout = "-2006-01-02_15:04:05"

	// PathMax mirrors the kernel's PATH_MAX (§3). Loop-backing-file keys
	// are not checked against it.
	PathMax = 4096
)

// Config is the process-wide set of tunables. Zero value is invalid; use New.
type Config struct {
	LRUCapacity   int
	SnapshotRoot  string
	ActivationPwd string // zeroized by the caller once Authenticator is built (§6)
	WorkerDrain   time.Duration
}

// New returns a Config with the engine's compile-time defaults (§6,
// "LRU capacity, journal filename, and directory layout are compile-time
// constants") applied, keeping only the admin password as a true runtime
// input.
func New(activationPwd string) Config {
	return Config{
		LRUCapacity:   DefaultLRUCapacity,
		SnapshotRoot:  DefaultSnapshotRoot,
		ActivationPwd: activationPwd,
		WorkerDrain:   30 * time.Second,
	}
}
