// Surface: the activate/deactivate entry points, mirroring
// original_source/src/kernel/activation.c's activate_snapshot /
// deactivate_snapshot (auth_check then register/unregister).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package activation

import (
	"github.com/StefanoBelli/blkdev-snapshot/internal/bdserr"
	"github.com/StefanoBelli/blkdev-snapshot/internal/devices"
)

// Surface is the process-wide activation collaborator: authentication
// plus the registry it authorizes access to.
type Surface struct {
	auth     *Authenticator
	registry *devices.Registry
}

// NewSurface wires a Surface around auth and registry.
func NewSurface(auth *Authenticator, registry *devices.Registry) *Surface {
	return &Surface{auth: auth, registry: registry}
}

// authCheck mirrors original_source's auth_check: root first (PermissionDenied
// otherwise), then password (AccessDenied otherwise).
func (s *Surface) authCheck(callerIsRoot bool, password string) error {
	if !callerIsRoot {
		return bdserr.New(bdserr.PermissionDenied, "caller is not the admin principal")
	}
	if !s.auth.Check(password) {
		return bdserr.New(bdserr.AccessDenied, "wrong activation password")
	}
	return nil
}

// Activate authenticates and, on success, registers payload.Path.
func (s *Surface) Activate(callerIsRoot bool, payload Payload) (*devices.DeviceEntry, error) {
	if err := s.authCheck(callerIsRoot, payload.Password); err != nil {
		return nil, err
	}
	return s.registry.Register(payload.Path)
}

// Deactivate authenticates and, on success, unregisters payload.Path.
func (s *Surface) Deactivate(callerIsRoot bool, payload Payload) error {
	if err := s.authCheck(callerIsRoot, payload.Password); err != nil {
		return err
	}
	return s.registry.Unregister(payload.Path)
}
