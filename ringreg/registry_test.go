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
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Larissa1990/linuxcnc/ringbuf"
)

// fakeSegment is one segment held by fakeBackend.
type fakeSegment struct {
	key uint32
	mem []byte
}

// fakeBackend is an in-memory Backend. Segments created under one
// fakeBackend are visible to every Registry sharing it, which models
// separate processes attached to the same shared memory.
type fakeBackend struct {
	mu      sync.Mutex
	next    int32
	byID    map[int32]*fakeSegment
	byKey   map[uint32][]byte
	deleted []int32

	createErr error // injected SegmentCreate failure
	bytesErr  error // injected SegmentBytes failure
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		byID:  make(map[int32]*fakeSegment),
		byKey: make(map[uint32][]byte),
	}
}

func (b *fakeBackend) SegmentCreate(key uint32, owner int, size uint64) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return -1, b.createErr
	}

	var mem []byte
	if size == 0 {
		existing, ok := b.byKey[key]
		if !ok {
			return -1, fmt.Errorf("no segment for key 0x%08x", key)
		}
		mem = existing
	} else {
		if _, ok := b.byKey[key]; ok {
			return -1, fmt.Errorf("segment for key 0x%08x already exists", key)
		}
		mem = make([]byte, size)
		b.byKey[key] = mem
	}
	_ = owner

	id := b.next
	b.next++
	b.byID[id] = &fakeSegment{key: key, mem: mem}
	return id, nil
}

func (b *fakeBackend) SegmentBytes(id int32) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bytesErr != nil {
		return nil, b.bytesErr
	}
	seg, ok := b.byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown segment id %d", id)
	}
	return seg.mem, nil
}

func (b *fakeBackend) SegmentDelete(id int32, owner int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	seg, ok := b.byID[id]
	if !ok {
		return fmt.Errorf("unknown segment id %d", id)
	}
	delete(b.byID, id)
	delete(b.byKey, seg.key)
	b.deleted = append(b.deleted, id)
	_ = owner
	return nil
}

// plantSegment places raw, uninitialized bytes under a key, standing in
// for a stale file or a creator that has not finished provisioning.
func (b *fakeBackend) plantSegment(key uint32, size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byKey[key] = make([]byte, size)
}

func (b *fakeBackend) SegmentProbe(key uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.byKey[key]
	return ok
}

// newTestRegistry builds a registry over the given backend.
func newTestRegistry(t *testing.T, strategy Strategy, backend Backend) *Registry {
	t.Helper()
	r, err := New(Config{Backend: backend, Strategy: strategy})
	require.NoError(t, err)
	return r
}

func TestCreateAssignsDistinctHandlesUntilExhausted(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRegistry(t, ResidentMapping, backend)

	for want := 0; want < MaxRings; want++ {
		h, err := r.Create(4096, 0, 1, ringbuf.ModeStream)
		require.NoError(t, err)
		require.Equal(t, want, h, "handles must be assigned in slot order")
	}

	_, err := r.Create(4096, 0, 1, ringbuf.ModeStream)
	require.ErrorIs(t, err, ErrRegistryExhausted)

	// The failed create must not have disturbed the table.
	require.Len(t, r.Snapshot(), MaxRings)
}

func TestSingleOwnerRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRegistry(t, ResidentMapping, backend)

	h, err := r.Create(4096, 0, 7, ringbuf.ModeStream)
	require.NoError(t, err)

	n, err := r.Refcount(h)
	require.NoError(t, err)
	require.Equal(t, 1, n, "creator is auto-registered as attacher")

	require.NoError(t, r.Detach(h, 7))

	_, err = r.Refcount(h)
	require.ErrorIs(t, err, ErrInvalidHandle, "slot must be free after last detach")
	require.False(t, backend.SegmentProbe(DefaultBaseKey+uint32(h)), "backing segment must be deleted")

	// The freed handle is eligible for reuse.
	h2, err := r.Create(4096, 0, 7, ringbuf.ModeStream)
	require.NoError(t, err)
	require.Equal(t, h, h2)
}

func TestMultiAttachAccounting(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRegistry(t, ResidentMapping, backend)

	h, err := r.Create(4096, 0, 7, ringbuf.ModeStream)
	require.NoError(t, err)
	key := DefaultBaseKey + uint32(h)

	_, err = r.Attach(h, 3)
	require.NoError(t, err)
	n, err := r.Refcount(h)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Attaching the same module again must not grow the count.
	_, err = r.Attach(h, 3)
	require.NoError(t, err)
	n, err = r.Refcount(h)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, r.Detach(h, 7))
	n, err = r.Refcount(h)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, backend.SegmentProbe(key), "segment must survive while attachers remain")

	require.NoError(t, r.Detach(h, 3))
	_, err = r.Refcount(h)
	require.ErrorIs(t, err, ErrInvalidHandle)
	require.False(t, backend.SegmentProbe(key))
}

func TestInvalidHandleRejection(t *testing.T) {
	r := newTestRegistry(t, ResidentMapping, newFakeBackend())

	h, err := r.Create(4096, 0, 1, ringbuf.ModeStream)
	require.NoError(t, err)
	before := r.Snapshot()

	_, err = r.Attach(-1, 2)
	require.ErrorIs(t, err, ErrInvalidHandle)
	_, err = r.Attach(MaxRings, 2)
	require.ErrorIs(t, err, ErrInvalidHandle)
	require.ErrorIs(t, r.Detach(h+1, 2), ErrInvalidHandle, "detach of a never-created handle")
	_, err = r.Refcount(MaxRings + 7)
	require.ErrorIs(t, err, ErrInvalidHandle)

	if diff := cmp.Diff(before, r.Snapshot()); diff != "" {
		t.Fatalf("rejected operations mutated the table (-before +after):\n%s", diff)
	}
}

func TestDetachIsNotIdempotent(t *testing.T) {
	r := newTestRegistry(t, ResidentMapping, newFakeBackend())

	h, err := r.Create(4096, 0, 5, ringbuf.ModeStream)
	require.NoError(t, err)

	require.NoError(t, r.Detach(h, 5))
	require.ErrorIs(t, r.Detach(h, 5), ErrInvalidHandle,
		"second detach of a freed slot must fail, not silently succeed")
}

func TestModuleIDValidation(t *testing.T) {
	r := newTestRegistry(t, ResidentMapping, newFakeBackend())

	_, err := r.Create(4096, 0, -1, ringbuf.ModeStream)
	require.ErrorIs(t, err, ErrInvalidHandle)
	_, err = r.Create(4096, 0, MaxModules, ringbuf.ModeStream)
	require.ErrorIs(t, err, ErrInvalidHandle)
	_, err = r.Attach(0, MaxModules)
	require.ErrorIs(t, err, ErrInvalidHandle)
	require.ErrorIs(t, r.Detach(0, -3), ErrInvalidHandle)
}

func TestCreateRollsBackOnBackendFailure(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRegistry(t, ResidentMapping, backend)

	backend.createErr = errors.New("segment table full")
	_, err := r.Create(4096, 0, 1, ringbuf.ModeStream)
	require.ErrorIs(t, err, ErrBackendFailure)
	backend.createErr = nil

	// Mapping failure after a successful create must free the slot and
	// delete the half-born segment.
	backend.bytesErr = errors.New("mapping refused")
	_, err = r.Create(4096, 0, 1, ringbuf.ModeStream)
	require.ErrorIs(t, err, ErrBackendFailure)
	backend.bytesErr = nil
	require.Len(t, backend.deleted, 1, "orphaned segment must be rolled back")
	require.Empty(t, r.Snapshot(), "no slot may be committed by a failed create")

	h, err := r.Create(4096, 0, 1, ringbuf.ModeStream)
	require.NoError(t, err)
	require.Equal(t, 0, h, "slot 0 must still be the first free slot")
}

func TestResidentAttachWithoutMappingIsInconsistency(t *testing.T) {
	r := newTestRegistry(t, ResidentMapping, newFakeBackend())

	h, err := r.Create(4096, 0, 2, ringbuf.ModeStream)
	require.NoError(t, err)

	// Simulate the lifecycle bug the resident strategy guards against: a
	// committed slot with no recorded local mapping.
	r.mu.Lock()
	r.local[h] = nil
	r.mu.Unlock()

	_, err = r.Attach(h, 3)
	require.ErrorIs(t, err, ErrInternalInconsistency)
}

func TestExternalLookupAttachesForeignRing(t *testing.T) {
	backend := newFakeBackend()

	// Registry A models the creating process, registry B a separate
	// process sharing only the backend memory.
	ra := newTestRegistry(t, ExternalSegmentLookup, backend)
	rb := newTestRegistry(t, ExternalSegmentLookup, backend)

	h, err := ra.Create(4096, 128, 7, ringbuf.ModeRecord)
	require.NoError(t, err)

	desc, err := rb.Attach(h, 9)
	require.NoError(t, err)
	require.Equal(t, ringbuf.ModeRecord, desc.Flags())
	require.Equal(t, uint64(128), desc.Header().ScratchpadSize())

	n, err := rb.Refcount(h)
	require.NoError(t, err)
	require.Equal(t, 1, n, "B's table counts only B-side attachers")

	// A second attach in B reuses the cached mapping.
	_, err = rb.Attach(h, 9)
	require.NoError(t, err)
	n, err = rb.Refcount(h)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Data written through A's descriptor is visible through B's.
	da, err := ra.Attach(h, 7)
	require.NoError(t, err)
	require.NoError(t, da.WriteRecord([]byte("position update")))

	buf := make([]byte, 64)
	got, err := desc.ReadRecord(buf)
	require.NoError(t, err)
	require.Equal(t, "position update", string(buf[:got]))
}

func TestExternalLookupLeavesSlotFreeOnInvalidSegment(t *testing.T) {
	backend := newFakeBackend()
	// A correctly keyed segment exists, but no ring header was ever
	// initialized in it.
	key := DefaultBaseKey + 3
	backend.plantSegment(key, 4096)

	r := newTestRegistry(t, ExternalSegmentLookup, backend)

	_, err := r.Attach(3, 2)
	require.ErrorIs(t, err, ErrInvalidHandle)

	// The failed attach must not have committed the slot.
	_, err = r.Refcount(3)
	require.ErrorIs(t, err, ErrInvalidHandle)
	require.Empty(t, r.Snapshot())

	// In particular a later detach must not reach the teardown branch
	// and delete the foreign segment out from under its real users.
	require.ErrorIs(t, r.Detach(3, 2), ErrInvalidHandle)
	require.True(t, backend.SegmentProbe(key), "foreign segment must survive")
}

func TestExternalLookupRejectsAbsentSegment(t *testing.T) {
	r := newTestRegistry(t, ExternalSegmentLookup, newFakeBackend())

	_, err := r.Attach(5, 2)
	require.ErrorIs(t, err, ErrInvalidHandle, "nothing to attach to")
}

func TestConcurrentRingsDoNotCrossTalk(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRegistry(t, ResidentMapping, backend)

	const rings = 16
	handles := make([]int, rings)

	var g errgroup.Group
	for i := 0; i < rings; i++ {
		i := i
		g.Go(func() error {
			h, err := r.Create(4096, 0, i, ringbuf.ModeStream)
			if err != nil {
				return err
			}
			handles[i] = h
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[int]bool, rings)
	for _, h := range handles {
		require.False(t, seen[h], "handle %d assigned twice", h)
		seen[h] = true
	}

	// Emptying one ring must not affect the others.
	require.NoError(t, r.Detach(handles[0], 0))
	for i := 1; i < rings; i++ {
		n, err := r.Refcount(handles[i])
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
}

func TestSnapshotDescribesCommittedRings(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRegistry(t, ResidentMapping, backend)

	h, err := r.Create(4096, 0, 7, ringbuf.ModeStream)
	require.NoError(t, err)
	_, err = r.Attach(h, 3)
	require.NoError(t, err)

	want := []RingInfo{{
		Handle:    h,
		Key:       DefaultBaseKey + uint32(h),
		Owner:     7,
		Refcount:  2,
		Attachers: []int{3, 7},
		Mapped:    true,
	}}
	if diff := cmp.Diff(want, r.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestCloseDropsInstanceState(t *testing.T) {
	backend := newFakeBackend()
	r := newTestRegistry(t, ResidentMapping, backend)

	h, err := r.Create(4096, 0, 1, ringbuf.ModeStream)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	_, err = r.Refcount(h)
	require.ErrorIs(t, err, ErrInvalidHandle)
	require.Empty(t, r.Snapshot())
}
