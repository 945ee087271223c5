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

// Package shmseg implements file-backed shared memory segments, keyed by a
// small integer key and shared between processes through /dev/shm (or the
// system temporary directory where /dev/shm is unavailable).
//
// A segment is an opaque block of bytes. Callers that need structure on top
// of it (ring headers, scratchpads) impose it themselves; this package only
// creates, maps, probes and deletes the backing memory.
package shmseg

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Platform-specific mapping hooks, installed by the platform file's init.
var (
	mapFile   func(file *os.File, size int) ([]byte, error)
	unmapFile func(mem []byte) error
)

// Key identifies a segment across processes. The key is encoded into the
// backing file name, so any process that can derive the key can find the
// segment without coordination.
type Key uint32

// ID is a process-local handle to a mapped segment. IDs are meaningless
// outside the Backend instance that issued them.
type ID int32

// Segment is one mapped shared memory region.
type Segment struct {
	id    ID
	key   Key
	owner int
	path  string
	file  *os.File
	mem   []byte
}

// Key returns the cross-process key the segment was created under.
func (s *Segment) Key() Key { return s.key }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Size returns the mapped size in bytes.
func (s *Segment) Size() int { return len(s.mem) }

// Bytes returns the mapped region. The slice aliases shared memory; it is
// valid until the segment is deleted or the backend is closed.
func (s *Segment) Bytes() []byte { return s.mem }

// Backend creates, maps and deletes shared memory segments for one process.
// All methods are safe for concurrent use.
type Backend struct {
	mu        sync.Mutex
	dir       string
	namespace string
	next      ID
	segs      map[ID]*Segment
}

// New returns a Backend that places segment files in /dev/shm when present,
// falling back to the system temporary directory. The namespace is encoded
// into every file name so that independent registries sharing a machine do
// not collide.
func New(namespace string) *Backend {
	return &Backend{
		dir:       segmentDir(),
		namespace: namespace,
		segs:      make(map[ID]*Segment),
	}
}

// segmentDir picks the directory segment files live in.
func segmentDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// SegmentPath returns the backing file path a given key maps to. The
// key -> path relation is a pure function of the backend's namespace.
func (b *Backend) SegmentPath(key Key) string {
	return filepath.Join(b.dir, fmt.Sprintf("lcnc_%s_ring_%08x", b.namespace, uint32(key)))
}

// SegmentCreate allocates and maps a segment of the given size, owned by
// owner. A size of zero maps an existing segment at whatever size it already
// has; a non-zero size creates the backing file exclusively and fails if a
// segment with the same key already exists.
func (b *Backend) SegmentCreate(key uint32, owner int, size uint64) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.SegmentPath(Key(key))

	var (
		file    *os.File
		err     error
		created bool
	)
	if size == 0 {
		file, err = os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return -1, fmt.Errorf("open segment %s: %w", path, err)
		}
		info, statErr := file.Stat()
		if statErr != nil {
			file.Close()
			return -1, fmt.Errorf("stat segment %s: %w", path, statErr)
		}
		size = uint64(info.Size())
		if size == 0 {
			file.Close()
			return -1, fmt.Errorf("segment %s is empty", path)
		}
	} else {
		file, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err != nil {
			return -1, fmt.Errorf("create segment %s: %w", path, err)
		}
		created = true
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			os.Remove(path)
			return -1, fmt.Errorf("resize segment %s to %d: %w", path, size, err)
		}
	}

	mem, err := mapFile(file, int(size))
	if err != nil {
		file.Close()
		// A file this call created must not outlive the failure, or the
		// key is poisoned for every future exclusive create.
		if created {
			os.Remove(path)
		}
		return -1, fmt.Errorf("map segment %s: %w", path, err)
	}

	id := b.next
	b.next++
	b.segs[id] = &Segment{
		id:    id,
		key:   Key(key),
		owner: owner,
		path:  path,
		file:  file,
		mem:   mem,
	}
	return int32(id), nil
}

// SegmentBytes resolves a segment ID to its mapped memory.
func (b *Backend) SegmentBytes(id int32) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seg, ok := b.segs[ID(id)]
	if !ok {
		return nil, fmt.Errorf("unknown segment id %d", id)
	}
	return seg.mem, nil
}

// SegmentProbe reports whether a segment with the given key exists, without
// mapping it.
func (b *Backend) SegmentProbe(key uint32) bool {
	b.mu.Lock()
	path := b.SegmentPath(Key(key))
	b.mu.Unlock()

	_, err := os.Stat(path)
	return err == nil
}

// SegmentDelete unmaps a segment and removes its backing file. Deletion is
// not restricted to the creator, since the last detacher of a ring may not
// be the module that created it; the deleting owner is carried in the
// failure diagnostics instead.
func (b *Backend) SegmentDelete(id int32, owner int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	seg, ok := b.segs[ID(id)]
	if !ok {
		return fmt.Errorf("unknown segment id %d (owner %d)", id, owner)
	}
	delete(b.segs, ID(id))

	var firstErr error
	if err := unmapFile(seg.mem); err != nil {
		firstErr = fmt.Errorf("unmap segment %s (owner %d): %w", seg.path, owner, err)
	}
	seg.mem = nil
	if err := seg.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close segment %s (owner %d): %w", seg.path, owner, err)
	}
	seg.file = nil
	if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = fmt.Errorf("remove segment %s (owner %d): %w", seg.path, owner, err)
	}
	return firstErr
}

// Close unmaps every segment this backend holds without unlinking the
// backing files: segments are a shared resource and other processes may
// still have them attached. Use SegmentDelete to release backing memory.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for id, seg := range b.segs {
		if err := unmapFile(seg.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unmap segment %s: %w", seg.path, err)
		}
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close segment %s: %w", seg.path, err)
		}
		delete(b.segs, id)
	}
	return firstErr
}
