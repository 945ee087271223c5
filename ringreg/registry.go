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

// Package ringreg manages the lifecycle of named shared-memory ring
// buffers: slot allocation, cross-address-space attach, reference counting
// and teardown.
//
// A Registry owns a fixed table of MaxRings slots. The slot index is the
// public ring handle. Create reserves a slot, allocates a backing segment
// sized for header, buffer and scratchpad, initializes the ring header in
// place and commits the slot. Attach resolves a handle to a process-local
// descriptor and records the caller; Detach removes the caller and deletes
// the backing segment once the last attacher is gone. All four operations
// serialize through one registry-wide mutex; the registry never touches the
// ring payload itself.
package ringreg

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/Larissa1990/linuxcnc/internal/shmseg"
	"github.com/Larissa1990/linuxcnc/ringbuf"
)

const (
	// MaxRings is the registry capacity. Handles are in [0, MaxRings).
	MaxRings = 64

	// MaxModules bounds module ids, which index the attacher bitset.
	MaxModules = 256

	// DefaultBaseKey is the base of the derived segment key space. The
	// segment key for handle h is baseKey + h, a pure function of the
	// handle, never stored state that can drift.
	DefaultBaseKey = uint32(0x4C430000)

	// slotMagic marks a slot as committed. It is the sole authority on
	// whether a ring exists; all other slot fields are meaningful only
	// while it is set.
	slotMagic = uint32(0x52494E47)
)

// Backend is the shared memory segment provider the registry allocates
// from. Implementations must be safe for concurrent use. A size of zero
// passed to SegmentCreate maps an existing segment at its current size.
type Backend interface {
	SegmentCreate(key uint32, owner int, size uint64) (int32, error)
	SegmentBytes(id int32) ([]byte, error)
	SegmentDelete(id int32, owner int) error
	SegmentProbe(key uint32) bool
}

// Config configures a Registry.
type Config struct {
	// Backend provides segments. When nil, a file-backed shared memory
	// backend under /dev/shm is used.
	Backend Backend

	// Strategy selects how Attach resolves handles this process has not
	// mapped yet. The default is ResidentMapping.
	Strategy Strategy

	// Namespace isolates this registry's segment keys from other
	// registries on the same machine. Only used by the default backend.
	Namespace string

	// BaseKey overrides DefaultBaseKey. Zero means the default.
	BaseKey uint32

	// Logger receives teardown failures and inconsistency reports.
	// When nil, slog.Default() is used.
	Logger *slog.Logger
}

// slot is one registry table entry. The zero value is a free slot.
type slot struct {
	magic uint32
	owner int
	seg   int32
	users modSet
}

// Registry is the process-wide ring table. All exported methods are safe
// for concurrent use; every table access happens under a single mutex, so
// operations across all handles form one total order.
type Registry struct {
	mu       sync.Mutex
	backend  Backend
	strategy attachStrategy
	baseKey  uint32
	log      *slog.Logger

	slots [MaxRings]slot

	// local caches the mapped region per handle for this address space,
	// letting repeat attaches in one process skip the backend.
	local [MaxRings][]byte
}

// New returns a Registry ready for use.
func New(cfg Config) (*Registry, error) {
	r := &Registry{
		backend: cfg.Backend,
		baseKey: cfg.BaseKey,
		log:     cfg.Logger,
	}
	if r.backend == nil {
		r.backend = shmseg.New(cfg.Namespace)
	}
	if r.baseKey == 0 {
		r.baseKey = DefaultBaseKey
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	switch cfg.Strategy {
	case ResidentMapping:
		r.strategy = residentMapping{}
	case ExternalSegmentLookup:
		r.strategy = externalSegmentLookup{}
	default:
		return nil, fmt.Errorf("%w: unknown attach strategy %d", ErrInternalInconsistency, cfg.Strategy)
	}
	return r, nil
}

// keyFor derives the segment key for a handle.
func (r *Registry) keyFor(handle int) uint32 {
	return r.baseKey + uint32(handle)
}

// checkModule validates a module id.
func checkModule(module int) error {
	if module < 0 || module >= MaxModules {
		return fmt.Errorf("%w: module id %d outside [0, %d)", ErrInvalidHandle, module, MaxModules)
	}
	return nil
}

// Create allocates a new ring sized for size data bytes plus a scratchpad
// of scratchpadSize bytes, owned by the given module, and returns its
// handle. The creator is automatically recorded as an attacher. The slot is
// committed only after every fallible step has succeeded; on any failure
// the slot is left free and no segment survives.
func (r *Registry) Create(size, scratchpadSize uint64, module int, flags ringbuf.Flags) (int, error) {
	if err := checkModule(module); err != nil {
		return -1, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	handle := -1
	for i := range r.slots {
		if r.slots[i].magic != slotMagic {
			handle = i
			break
		}
	}
	if handle < 0 {
		return -1, fmt.Errorf("%w: all %d slots committed", ErrRegistryExhausted, MaxRings)
	}
	s := &r.slots[handle]

	total := ringbuf.MemSize(flags, size, scratchpadSize)
	key := r.keyFor(handle)

	seg, err := r.backend.SegmentCreate(key, module, total)
	if err != nil {
		return -1, fmt.Errorf("%w: segment create (key 0x%08x, %d bytes): %w", ErrBackendFailure, key, total, err)
	}

	mem, err := r.backend.SegmentBytes(seg)
	if err != nil {
		r.dropSegment(handle, seg, module)
		return -1, fmt.Errorf("%w: segment pointer (key 0x%08x): %w", ErrBackendFailure, key, err)
	}

	if _, err := ringbuf.Init(mem, flags, size, scratchpadSize); err != nil {
		r.dropSegment(handle, seg, module)
		return -1, fmt.Errorf("%w: ring header init (key 0x%08x): %w", ErrInternalInconsistency, key, err)
	}

	r.local[handle] = mem
	s.owner = module
	s.seg = seg
	s.users = modSet{}
	s.users.add(module)
	// Commit last: until the magic is set the slot is still free to any
	// observer, so a failure above leaves no partially created ring.
	s.magic = slotMagic

	return handle, nil
}

// dropSegment releases a segment created by a Create call that failed
// partway. Best effort; Create already has an error to report.
func (r *Registry) dropSegment(handle int, seg int32, owner int) {
	if err := r.backend.SegmentDelete(seg, owner); err != nil {
		r.log.Error("ring create rollback: segment delete failed",
			"handle", handle, "segment", seg, "err", err)
	}
}

// Attach resolves a handle to a ring descriptor usable in this address
// space and records the calling module as an attacher. Attaching a module
// that is already attached is idempotent and does not grow the refcount.
func (r *Registry) Attach(handle, module int) (*ringbuf.RingBuffer, error) {
	if err := checkModule(module); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if handle < 0 || handle >= MaxRings {
		return nil, fmt.Errorf("%w: handle %d outside [0, %d)", ErrInvalidHandle, handle, MaxRings)
	}
	s := &r.slots[handle]

	var (
		mem []byte
		err error
	)
	if s.magic == slotMagic {
		mem, err = r.strategy.committed(r, handle, s)
	} else {
		mem, err = r.strategy.uncommitted(r, handle, s, module)
	}
	if err != nil {
		return nil, err
	}

	rb, err := ringbuf.Attach(mem)
	if err != nil {
		return nil, fmt.Errorf("%w: handle %d: %w", ErrInternalInconsistency, handle, err)
	}

	s.users.add(module)
	return rb, nil
}

// Refcount returns the number of modules currently attached to the ring.
func (r *Registry) Refcount(handle int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refcountLocked(handle)
}

// refcountLocked is the lock-free body of Refcount, shared with Detach so
// both run inside the same critical section. Callers must hold r.mu.
func (r *Registry) refcountLocked(handle int) (int, error) {
	if handle < 0 || handle >= MaxRings {
		return 0, fmt.Errorf("%w: handle %d outside [0, %d)", ErrInvalidHandle, handle, MaxRings)
	}
	s := &r.slots[handle]
	if s.magic != slotMagic {
		return 0, fmt.Errorf("%w: handle %d not committed", ErrInvalidHandle, handle)
	}
	return s.users.count(), nil
}

// Detach removes the calling module from the ring's attacher set. While
// other attachers remain the ring is retained untouched. When the set
// empties, the backing segment is deleted and the slot returns to free,
// making the handle eligible for reuse. Segment deletion failures are
// logged, not escalated: the caller's own bookkeeping already succeeded.
//
// Detach on an already-free slot is an error, not a no-op. The registry
// cannot distinguish "never existed" from "already torn down".
func (r *Registry) Detach(handle, module int) error {
	if err := checkModule(module); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if handle < 0 || handle >= MaxRings {
		return fmt.Errorf("%w: handle %d outside [0, %d)", ErrInvalidHandle, handle, MaxRings)
	}
	s := &r.slots[handle]
	if s.magic != slotMagic {
		return fmt.Errorf("%w: handle %d not committed", ErrInvalidHandle, handle)
	}

	s.users.remove(module)
	if n := s.users.count(); n > 0 {
		r.log.Debug("ring retained after detach",
			"handle", handle, "module", module, "remaining", n)
		return nil
	}

	if err := r.backend.SegmentDelete(s.seg, s.owner); err != nil {
		// Preferring a potential leak over failing a caller whose own
		// detach already took effect.
		r.log.Error("ring teardown: segment delete failed",
			"handle", handle, "segment", s.seg, "owner", s.owner, "err", err)
	}
	r.local[handle] = nil
	*s = slot{}
	return nil
}

// RingInfo is a point-in-time description of one committed ring.
type RingInfo struct {
	Handle    int    `json:"handle"`
	Key       uint32 `json:"key"`
	Owner     int    `json:"owner"`
	Refcount  int    `json:"refcount"`
	Attachers []int  `json:"attachers"`
	Mapped    bool   `json:"mapped"`
}

// Snapshot returns a consistent view of every committed ring, for
// diagnostics and tooling. The table is not mutated.
func (r *Registry) Snapshot() []RingInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]RingInfo, 0, MaxRings)
	for h := range r.slots {
		s := &r.slots[h]
		if s.magic != slotMagic {
			continue
		}
		infos = append(infos, RingInfo{
			Handle:    h,
			Key:       r.keyFor(h),
			Owner:     s.owner,
			Refcount:  s.users.count(),
			Attachers: s.users.members(),
			Mapped:    r.local[h] != nil,
		})
	}
	return infos
}

// Close tears down the registry instance. Slots still committed are
// reported, the local address cache is dropped, and the backend is closed
// when it supports closing. Segments with live attachers in other
// processes are left in place; Close releases this instance's view, not
// the shared memory itself.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for h := range r.slots {
		s := &r.slots[h]
		if s.magic == slotMagic {
			r.log.Warn("registry close with committed ring",
				"handle", h, "refcount", s.users.count())
		}
		r.local[h] = nil
		*s = slot{}
	}
	if c, ok := r.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
