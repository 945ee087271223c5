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

// Package ringbuf defines the in-memory layout of a shared ring buffer and
// the allocation-free operations that move bytes through it.
//
// A ring occupies one contiguous memory region, typically a mapped shared
// memory segment: a 64-byte header, a power-of-two data area, and an
// optional scratchpad trailing the data area. The header carries everything
// a fresh mapping in another address space needs to validate and use the
// ring. All index accesses are atomic; one producer and one consumer may
// operate concurrently without further locking.
package ringbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Layout constants.
const (
	// HeaderSize is the fixed size of the ring header at offset 0.
	HeaderSize = 64

	// Magic identifies an initialized ring header.
	Magic = uint32(0x52494E47) // "RING"

	// Version of the header layout.
	Version = uint32(1)

	// MinCapacity is the smallest data area a ring may have.
	MinCapacity = 16

	// recordLenSize is the length prefix of one record in record mode.
	recordLenSize = 4
)

// Flags select ring behavior, stored in the shared header at init time.
type Flags uint32

const (
	// ModeStream treats the data area as an unstructured byte stream.
	ModeStream Flags = 0

	// ModeRecord frames writes as length-prefixed records that are read
	// back whole.
	ModeRecord Flags = 1 << 0
)

// Errors returned by ring operations.
var (
	ErrBadHeader   = errors.New("ringbuf: bad ring header")
	ErrNoSpace     = errors.New("ringbuf: insufficient space")
	ErrNoData      = errors.New("ringbuf: no data")
	ErrShortBuffer = errors.New("ringbuf: buffer too small for record")
	ErrWrongMode   = errors.New("ringbuf: operation does not match ring mode")
)

// Header is the shared control block at the start of a ring region.
// Field order is the wire layout; do not reorder.
type Header struct {
	magic       uint32
	version     uint32
	flags       uint32
	_           uint32
	size        uint64 // data area capacity, power of two
	scratchpad  uint64 // scratchpad size in bytes
	widx        uint64 // monotonic write index
	ridx        uint64 // monotonic read index
	_reserved   [16]byte
}

// Flags returns the ring flags.
func (h *Header) Flags() Flags { return Flags(atomic.LoadUint32(&h.flags)) }

// Size returns the data area capacity in bytes.
func (h *Header) Size() uint64 { return atomic.LoadUint64(&h.size) }

// ScratchpadSize returns the scratchpad size in bytes.
func (h *Header) ScratchpadSize() uint64 { return atomic.LoadUint64(&h.scratchpad) }

// WriteIndex returns the monotonic write index.
func (h *Header) WriteIndex() uint64 { return atomic.LoadUint64(&h.widx) }

// setWriteIndex publishes a new write index.
func (h *Header) setWriteIndex(idx uint64) { atomic.StoreUint64(&h.widx, idx) }

// ReadIndex returns the monotonic read index.
func (h *Header) ReadIndex() uint64 { return atomic.LoadUint64(&h.ridx) }

// setReadIndex publishes a new read index.
func (h *Header) setReadIndex(idx uint64) { atomic.StoreUint64(&h.ridx, idx) }

// Used returns the number of bytes currently in the ring. Unsigned
// subtraction handles index wrap-around.
func (h *Header) Used() uint64 { return h.WriteIndex() - h.ReadIndex() }

// Available returns the number of bytes writable without overrunning the
// reader.
func (h *Header) Available() uint64 { return h.Size() - h.Used() }

// IsPowerOfTwo reports whether n is a power of two.
func IsPowerOfTwo(n uint64) bool {
	return n > 0 && n&(n-1) == 0
}

// NextPowerOfTwo returns the next power of two >= n.
func NextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	if IsPowerOfTwo(n) {
		return n
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}

// capacityFor normalizes a requested size to the capacity actually
// allocated: the next power of two, at least MinCapacity.
func capacityFor(size uint64) uint64 {
	if size < MinCapacity {
		return MinCapacity
	}
	return NextPowerOfTwo(size)
}

// MemSize returns the total number of bytes a ring region needs for a
// requested data size and scratchpad size. This is the allocation size a
// creator must request from its memory provider before calling Init.
func MemSize(flags Flags, size, scratchpadSize uint64) uint64 {
	return HeaderSize + capacityFor(size) + scratchpadSize
}

// RingBuffer is a process-local descriptor over a ring region. The struct
// itself holds no state beyond views into the shared memory, so any number
// of descriptors may exist for the same region.
type RingBuffer struct {
	hdr     *Header
	data    []byte
	scratch []byte
	mask    uint64
}

// Init writes a fresh ring header into mem and returns a descriptor over
// it. mem must be at least MemSize(flags, size, scratchpadSize) bytes; the
// extra tail beyond the scratchpad, if any, is ignored.
func Init(mem []byte, flags Flags, size, scratchpadSize uint64) (*RingBuffer, error) {
	capacity := capacityFor(size)
	need := HeaderSize + capacity + scratchpadSize
	if uint64(len(mem)) < need {
		return nil, fmt.Errorf("%w: region %d bytes, need %d", ErrBadHeader, len(mem), need)
	}

	hdr := (*Header)(unsafe.Pointer(&mem[0]))
	atomic.StoreUint32(&hdr.flags, uint32(flags))
	atomic.StoreUint64(&hdr.size, capacity)
	atomic.StoreUint64(&hdr.scratchpad, scratchpadSize)
	hdr.setWriteIndex(0)
	hdr.setReadIndex(0)
	atomic.StoreUint32(&hdr.version, Version)
	// Magic last: a mapper that observes the magic sees a complete header.
	atomic.StoreUint32(&hdr.magic, Magic)

	return view(hdr, mem, capacity, scratchpadSize), nil
}

// Attach validates the header already present in mem and returns a
// descriptor over it. Used by mappers in other address spaces after the
// creator has run Init.
func Attach(mem []byte) (*RingBuffer, error) {
	if len(mem) < HeaderSize {
		return nil, fmt.Errorf("%w: region %d bytes, need at least %d", ErrBadHeader, len(mem), HeaderSize)
	}
	hdr := (*Header)(unsafe.Pointer(&mem[0]))
	if atomic.LoadUint32(&hdr.magic) != Magic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrBadHeader, atomic.LoadUint32(&hdr.magic))
	}
	if v := atomic.LoadUint32(&hdr.version); v != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadHeader, v)
	}
	capacity := hdr.Size()
	scratchpadSize := hdr.ScratchpadSize()
	if !IsPowerOfTwo(capacity) {
		return nil, fmt.Errorf("%w: capacity %d is not a power of two", ErrBadHeader, capacity)
	}
	if uint64(len(mem)) < HeaderSize+capacity+scratchpadSize {
		return nil, fmt.Errorf("%w: region %d bytes, header claims %d",
			ErrBadHeader, len(mem), HeaderSize+capacity+scratchpadSize)
	}
	return view(hdr, mem, capacity, scratchpadSize), nil
}

func view(hdr *Header, mem []byte, capacity, scratchpadSize uint64) *RingBuffer {
	return &RingBuffer{
		hdr:     hdr,
		data:    mem[HeaderSize : HeaderSize+capacity],
		scratch: mem[HeaderSize+capacity : HeaderSize+capacity+scratchpadSize],
		mask:    capacity - 1,
	}
}

// Header returns the shared header.
func (r *RingBuffer) Header() *Header { return r.hdr }

// Capacity returns the data area capacity in bytes.
func (r *RingBuffer) Capacity() uint64 { return uint64(len(r.data)) }

// Flags returns the ring flags.
func (r *RingBuffer) Flags() Flags { return r.hdr.Flags() }

// Scratchpad returns the scratchpad region, which may be empty. Its
// contents are entirely caller-defined.
func (r *RingBuffer) Scratchpad() []byte { return r.scratch }

// Used returns the number of bytes currently in the ring.
func (r *RingBuffer) Used() uint64 { return r.hdr.Used() }

// Available returns the number of bytes writable right now.
func (r *RingBuffer) Available() uint64 { return r.hdr.Available() }

// IsEmpty reports whether the ring holds no data.
func (r *RingBuffer) IsEmpty() bool { return r.hdr.Used() == 0 }

// copyIn copies p into the data area starting at the masked position of
// idx, splitting across the wrap point when needed.
func (r *RingBuffer) copyIn(idx uint64, p []byte) {
	pos := idx & r.mask
	n := copy(r.data[pos:], p)
	if n < len(p) {
		copy(r.data, p[n:])
	}
}

// copyOut copies len(p) bytes out of the data area starting at the masked
// position of idx.
func (r *RingBuffer) copyOut(idx uint64, p []byte) {
	pos := idx & r.mask
	n := copy(p, r.data[pos:])
	if n < len(p) {
		copy(p[n:], r.data)
	}
}

// Write copies as much of p as currently fits and returns the number of
// bytes written, which may be zero when the ring is full. Stream mode only.
func (r *RingBuffer) Write(p []byte) (int, error) {
	if r.Flags()&ModeRecord != 0 {
		return 0, ErrWrongMode
	}
	widx := r.hdr.WriteIndex()
	avail := r.Capacity() - (widx - r.hdr.ReadIndex())
	n := uint64(len(p))
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0, nil
	}
	r.copyIn(widx, p[:n])
	r.hdr.setWriteIndex(widx + n)
	return int(n), nil
}

// Read copies up to len(p) buffered bytes into p and returns the number of
// bytes read, which may be zero when the ring is empty. Stream mode only.
func (r *RingBuffer) Read(p []byte) (int, error) {
	if r.Flags()&ModeRecord != 0 {
		return 0, ErrWrongMode
	}
	ridx := r.hdr.ReadIndex()
	used := r.hdr.WriteIndex() - ridx
	n := uint64(len(p))
	if n > used {
		n = used
	}
	if n == 0 {
		return 0, nil
	}
	r.copyOut(ridx, p[:n])
	r.hdr.setReadIndex(ridx + n)
	return int(n), nil
}

// WriteRecord appends one length-prefixed record. The write is all or
// nothing: ErrNoSpace is returned when the prefix plus payload does not fit
// in the currently available space. Record mode only.
func (r *RingBuffer) WriteRecord(p []byte) error {
	if r.Flags()&ModeRecord == 0 {
		return ErrWrongMode
	}
	need := uint64(recordLenSize + len(p))
	if need > r.Capacity() {
		return fmt.Errorf("%w: record %d bytes exceeds capacity %d", ErrNoSpace, len(p), r.Capacity())
	}
	widx := r.hdr.WriteIndex()
	if need > r.Capacity()-(widx-r.hdr.ReadIndex()) {
		return ErrNoSpace
	}

	var prefix [recordLenSize]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(p)))
	r.copyIn(widx, prefix[:])
	r.copyIn(widx+recordLenSize, p)
	r.hdr.setWriteIndex(widx + need)
	return nil
}

// ReadRecord removes the next record and copies it into p, returning its
// length. ErrNoData is returned on an empty ring; ErrShortBuffer is
// returned, without consuming the record, when p cannot hold it. Record
// mode only.
func (r *RingBuffer) ReadRecord(p []byte) (int, error) {
	if r.Flags()&ModeRecord == 0 {
		return 0, ErrWrongMode
	}
	ridx := r.hdr.ReadIndex()
	used := r.hdr.WriteIndex() - ridx
	if used == 0 {
		return 0, ErrNoData
	}
	if used < recordLenSize {
		return 0, fmt.Errorf("%w: %d bytes buffered", ErrBadHeader, used)
	}

	var prefix [recordLenSize]byte
	r.copyOut(ridx, prefix[:])
	recLen := uint64(binary.LittleEndian.Uint32(prefix[:]))
	if recordLenSize+recLen > used {
		return 0, fmt.Errorf("%w: record length %d exceeds buffered %d", ErrBadHeader, recLen, used)
	}
	if recLen > uint64(len(p)) {
		return 0, fmt.Errorf("%w: record %d bytes, buffer %d", ErrShortBuffer, recLen, len(p))
	}
	r.copyOut(ridx+recordLenSize, p[:recLen])
	r.hdr.setReadIndex(ridx + recordLenSize + recLen)
	return int(recLen), nil
}
