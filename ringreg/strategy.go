/*
 *
 * Copyright 2025 The LinuxCNC Go Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package ringreg

import (
	"fmt"

	"github.com/Larissa1990/linuxcnc/ringbuf"
)

// Strategy selects how Attach resolves ring memory, chosen once when the
// registry is configured.
type Strategy int

const (
	// ResidentMapping is for deployments where every ring used by this
	// registry instance is created in the same address space: the mapping
	// recorded at Create time is reused, and a missing mapping is a bug,
	// not a lookup miss.
	ResidentMapping Strategy = iota

	// ExternalSegmentLookup is for separate processes attaching to rings
	// created elsewhere: an uncommitted handle is probed against the
	// backend and mapped fresh on first attach.
	ExternalSegmentLookup
)

// String implements fmt.Stringer for logs and tooling.
func (s Strategy) String() string {
	switch s {
	case ResidentMapping:
		return "resident-mapping"
	case ExternalSegmentLookup:
		return "external-segment-lookup"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// attachStrategy resolves a slot to mapped ring memory. Both methods run
// under the registry mutex.
type attachStrategy interface {
	// committed resolves a slot whose magic is set.
	committed(r *Registry, handle int, s *slot) ([]byte, error)

	// uncommitted resolves a slot whose magic is not set, on behalf of
	// the attaching module.
	uncommitted(r *Registry, handle int, s *slot, module int) ([]byte, error)
}

type residentMapping struct{}

func (residentMapping) committed(r *Registry, handle int, _ *slot) ([]byte, error) {
	mem := r.local[handle]
	if mem == nil {
		// The creator runs in this address space, so the mapping must
		// have been recorded at Create time. Report loudly instead of
		// retrying: retrying cannot repair a lifecycle bug.
		r.log.Error("resident attach: no local mapping for committed ring", "handle", handle)
		return nil, fmt.Errorf("%w: handle %d committed but not locally mapped", ErrInternalInconsistency, handle)
	}
	return mem, nil
}

func (residentMapping) uncommitted(_ *Registry, handle int, _ *slot, _ int) ([]byte, error) {
	// Under resident mapping a ring must be created before it can be
	// attached; there is no external place to look it up.
	return nil, fmt.Errorf("%w: handle %d not committed", ErrInvalidHandle, handle)
}

type externalSegmentLookup struct{}

func (externalSegmentLookup) committed(r *Registry, handle int, s *slot) ([]byte, error) {
	if mem := r.local[handle]; mem != nil {
		return mem, nil
	}
	mem, err := r.backend.SegmentBytes(s.seg)
	if err != nil {
		return nil, fmt.Errorf("%w: segment pointer (handle %d): %w", ErrBackendFailure, handle, err)
	}
	r.local[handle] = mem
	return mem, nil
}

func (externalSegmentLookup) uncommitted(r *Registry, handle int, s *slot, module int) ([]byte, error) {
	key := r.keyFor(handle)

	// Existence probe first: an absent segment means there is nothing to
	// attach to, which is a caller error, not a backend failure. The probe
	// and the mapping below are not atomic with respect to a concurrent
	// delete by another process; that window is a documented limitation.
	if !r.backend.SegmentProbe(key) {
		return nil, fmt.Errorf("%w: handle %d has no backing segment", ErrInvalidHandle, handle)
	}

	// Size zero: the segment exists, map it at whatever size it has.
	seg, err := r.backend.SegmentCreate(key, module, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: segment map (key 0x%08x): %w", ErrBackendFailure, key, err)
	}
	mem, err := r.backend.SegmentBytes(seg)
	if err != nil {
		return nil, fmt.Errorf("%w: segment pointer (key 0x%08x): %w", ErrBackendFailure, key, err)
	}

	// Validate before touching the slot: the probe only proves a file with
	// the right key exists, not that a creator has finished initializing
	// it. A failure here must leave the slot Free, or Refcount would
	// report 0 on a committed slot and a lone Detach would tear down a
	// segment that still has users elsewhere. The mapping stays with the
	// backend until it closes; unlinking the file here could destroy a
	// ring a creator is still provisioning.
	if _, err := ringbuf.Attach(mem); err != nil {
		return nil, fmt.Errorf("%w: handle %d: segment has no valid ring header: %w", ErrInvalidHandle, handle, err)
	}

	r.local[handle] = mem
	s.owner = module
	s.seg = seg
	s.users = modSet{}
	s.magic = slotMagic
	return mem, nil
}
