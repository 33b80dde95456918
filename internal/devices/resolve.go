// Path resolution: classifying a registration path into a block-devt
// key or a loop-backing-path key (spec.md §4.4 register()). The host-OS
// primitives this relies on (stat, loop backing-file lookup) are assumed
// given per spec.md §1 non-goals; PathResolver is the seam that keeps
// Registry testable without them.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package devices

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/StefanoBelli/blkdev-snapshot/internal/bdserr"
	"golang.org/x/sys/unix"
)

// loopMajor is the Linux loop-device major number.
const loopMajor = 7

// PathResolver classifies a registration path the way spec.md §4.4
// describes:
//   - a regular file               -> loop key = the fully-resolved path
//   - a block node with loop major  -> loop key = the loop device's backing file
//   - any other block node          -> block key = the device id
//   - anything else                 -> InvalidArgument
type PathResolver interface {
	Resolve(path string) (Key, error)
}

// BackingFileLookup resolves a loop device's backing regular file given
// its major/minor. It is injected so tests never need a real loop
// device.
type BackingFileLookup func(major, minor uint32) (string, error)

// OSResolver is the default PathResolver, backed by unix.Stat and an
// injected BackingFileLookup (linuxBackingFile in production).
type OSResolver struct {
	BackingFile BackingFileLookup
}

// NewOSResolver returns a resolver that reads the backing file of loop
// devices from sysfs the way the Linux loop driver exposes it.
func NewOSResolver() *OSResolver {
	return &OSResolver{BackingFile: linuxBackingFile}
}

func (r *OSResolver) Resolve(path string) (Key, error) {
	full, err := filepath.Abs(path)
	if err != nil {
		return Key{}, bdserr.Wrap(bdserr.InvalidArgument, err, "resolve absolute path")
	}
	full, err = filepath.EvalSymlinks(full)
	if err != nil {
		return Key{}, bdserr.Wrap(bdserr.InvalidArgument, err, "resolve symlinks in "+path)
	}

	var st unix.Stat_t
	if err := unix.Stat(full, &st); err != nil {
		return Key{}, bdserr.Wrap(bdserr.InvalidArgument, err, "stat "+full)
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		return Key{Kind: KindLoop, LoopPath: full}, nil
	case unix.S_IFBLK:
		major := unix.Major(uint64(st.Rdev))
		minor := unix.Minor(uint64(st.Rdev))
		if major == loopMajor {
			backing, err := r.BackingFile(major, minor)
			if err != nil {
				return Key{}, bdserr.Wrap(bdserr.InvalidArgument, err, "resolve loop backing file")
			}
			return Key{Kind: KindLoop, LoopPath: backing}, nil
		}
		return Key{Kind: KindBlock, BlockDevT: uint64(st.Rdev)}, nil
	default:
		return Key{}, bdserr.New(bdserr.InvalidArgument, "unsupported device kind for "+full)
	}
}

// linuxBackingFile reads /sys/dev/block/<major>:<minor>/loop/backing_file,
// the standard way to discover a loop device's backing regular file.
func linuxBackingFile(major, minor uint32) (string, error) {
	p := "/sys/dev/block/" + strconv.Itoa(int(major)) + ":" + strconv.Itoa(int(minor)) + "/loop/backing_file"
	b, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
