// Package heap implements Mirage's statically-sized arena allocator
// (spec.md §4.B): a single fixed-capacity byte arena with a bump
// high-water mark and a free-region list, both bookkept in
// capacity-MAX_AREAS arrays rather than through pointers threaded
// through the arena itself. Grounded on
// _examples/other_examples/Nonepf-xv6-in-go__kalloc.go's fixed-region
// carve-up (kinit/freerange/kfree/kalloc) generalized to support
// splitting, coalescing, alignment and mapped regions, and on the
// corpus's array-of-fixed-slots idiom for the bookkeeping tables
// (mirroring sigmaos/kernel/kernel.go's Services tables).
package heap

import (
	"sync"

	"github.com/dustin/go-humanize"

	"mirage/config"
	db "mirage/debug"
)

// Ptr is an opaque handle into the arena. The zero value is the null
// pointer; valid pointers are always offset+1 so that offset 0 (a
// perfectly legal allocation start) never collides with "no pointer".
type Ptr uint64

// Kind distinguishes plain heap allocations from mmap'd regions; free
// and munmap enforce that callers release through the matching path.
type Kind uint8

const (
	KindHeap Kind = iota
	KindMapping
)

// Prot mirrors the mmap protection bits of spec.md §6.
type Prot uint8

const (
	ProtRead  Prot = 0x1
	ProtWrite Prot = 0x2
	ProtExec  Prot = 0x4
)

const wordSize = 8

type record struct {
	present bool
	offset  uint64
	size    uint64
	kind    Kind
	prot    Prot
}

type freeRegion struct {
	present bool
	offset  uint64
	length  uint64
}

// Stats reports current and peak live bytes (saturating) plus a
// diagnostic counter for free regions dropped because the bookkeeping
// table was full (spec.md §4.B: "If no free slot is available, drop
// the region (documented leak)").
type Stats struct {
	CurrentBytes uint64
	PeakBytes    uint64
	LeaksDropped uint64
}

// Heap is the arena allocator. All operations are guarded by a single
// mutex, matching spec.md §5's "guarded by spin locks" model for the
// allocator singleton.
type Heap struct {
	mu       sync.Mutex
	capacity uint64
	pageSize uint64
	arena    []byte
	bump     uint64
	records  []record
	free     []freeRegion
	current  uint64
	peak     uint64
	leaks    uint64
}

// New constructs a Heap sized per params (HeapBytes arena, MaxAreas
// bookkeeping slots, PageSize alignment for mmap).
func New(params config.Params) *Heap {
	return &Heap{
		capacity: uint64(params.HeapBytes),
		pageSize: uint64(params.PageSize),
		arena:    make([]byte, params.HeapBytes),
		records:  make([]record, params.MaxAreas),
		free:     make([]freeRegion, params.MaxAreas),
	}
}

type heapError string

func (e heapError) Error() string { return string(e) }

const (
	ErrOutOfMemory     = heapError("out of memory")
	ErrInvalidPointer  = heapError("invalid pointer")
	ErrKindMismatch    = heapError("allocation kind mismatch")
	ErrRegionTooSmall  = heapError("mapped region smaller than requested length")
	ErrInvalidAlign    = heapError("alignment must be a power of two and at least word size")
	ErrOutOfBounds     = heapError("access out of arena bounds")
)

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func isPow2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

func ptrFromOffset(offset uint64) Ptr { return Ptr(offset + 1) }

func offsetFromPtr(p Ptr) (uint64, bool) {
	if p == 0 {
		return 0, false
	}
	return uint64(p) - 1, true
}

// Stats returns a snapshot of current/peak bytes and dropped leaks.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{CurrentBytes: h.current, PeakBytes: h.peak, LeaksDropped: h.leaks}
}

func (h *Heap) noteAlloc(size uint64) {
	h.current += size
	if h.current > h.peak {
		h.peak = h.current
		db.DPrintf(db.HEAP, "new peak: %s (arena %s)", humanize.Bytes(h.peak), humanize.Bytes(h.capacity))
	}
}

func (h *Heap) noteFree(size uint64) {
	if size > h.current {
		h.current = 0
		return
	}
	h.current -= size
}

// reserve finds `size` bytes aligned to `align`, preferring the free
// list (split on partial match) before falling back to the bump
// region, per spec.md §4.B's reserve algorithm.
func (h *Heap) reserve(size, align uint64) (uint64, bool) {
	for i := range h.free {
		fr := h.free[i]
		if !fr.present {
			continue
		}
		alignedStart := alignUp(fr.offset, align)
		end := fr.offset + fr.length
		if alignedStart+size > end {
			continue
		}
		h.free[i].present = false
		if pre := alignedStart - fr.offset; pre > 0 {
			h.insertFreeRaw(fr.offset, pre)
		}
		if post := end - (alignedStart + size); post > 0 {
			h.insertFreeRaw(alignedStart+size, post)
		}
		return alignedStart, true
	}
	alignedBump := alignUp(h.bump, align)
	if alignedBump+size > h.capacity {
		db.DPrintf(db.HEAP_ERR, "OOM: requested %s, bump %s, arena %s", humanize.Bytes(size), humanize.Bytes(h.bump), humanize.Bytes(h.capacity))
		return 0, false
	}
	h.bump = alignedBump + size
	return alignedBump, true
}

// insertFreeRaw coalesces the region with any adjacent free region and
// stores it in the first empty slot, dropping it (and bumping the
// diagnostic counter) if the table is full.
func (h *Heap) insertFreeRaw(offset, length uint64) {
	for {
		merged := false
		for i := range h.free {
			fr := h.free[i]
			if !fr.present {
				continue
			}
			if fr.offset+fr.length == offset {
				offset = fr.offset
				length += fr.length
				h.free[i].present = false
				merged = true
				break
			}
			if offset+length == fr.offset {
				length += fr.length
				h.free[i].present = false
				merged = true
				break
			}
		}
		if !merged {
			break
		}
	}
	for i := range h.free {
		if !h.free[i].present {
			h.free[i] = freeRegion{present: true, offset: offset, length: length}
			return
		}
	}
	h.leaks++
	db.DPrintf(db.HEAP_ERR, "free-region table full, dropping %s at offset %v", humanize.Bytes(length), offset)
}

func (h *Heap) findRecord(offset uint64) int {
	for i := range h.records {
		if h.records[i].present && h.records[i].offset == offset {
			return i
		}
	}
	return -1
}

func (h *Heap) storeRecord(r record) bool {
	for i := range h.records {
		if !h.records[i].present {
			r.present = true
			h.records[i] = r
			return true
		}
	}
	return false
}

// Malloc reserves size bytes, word-aligned, kind Heap, read/write.
func (h *Heap) Malloc(size uint64) (Ptr, error) {
	return h.MallocAligned(size, wordSize)
}

// MallocAligned reserves size bytes aligned to align, which must be a
// power of two no smaller than the machine word.
func (h *Heap) MallocAligned(size, align uint64) (Ptr, error) {
	if align < wordSize || !isPow2(align) {
		return 0, ErrInvalidAlign
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	offset, ok := h.reserve(size, align)
	if !ok {
		return 0, ErrOutOfMemory
	}
	if !h.storeRecord(record{offset: offset, size: size, kind: KindHeap, prot: ProtRead | ProtWrite}) {
		// Bookkeeping exhausted after a successful reserve: return the
		// bytes to the free list rather than leaking the arena space.
		h.insertFreeRaw(offset, size)
		return 0, ErrOutOfMemory
	}
	h.noteAlloc(size)
	return ptrFromOffset(offset), nil
}

// Free releases a Heap-kind allocation and coalesces it into the free
// list.
func (h *Heap) Free(p Ptr) error {
	offset, ok := offsetFromPtr(p)
	if !ok {
		return ErrInvalidPointer
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.findRecord(offset)
	if idx < 0 {
		return ErrInvalidPointer
	}
	if h.records[idx].kind != KindHeap {
		return ErrKindMismatch
	}
	size := h.records[idx].size
	h.records[idx].present = false
	h.insertFreeRaw(offset, size)
	h.noteFree(size)
	return nil
}

// Realloc implements spec.md §4.B's realloc contract: (null,0)->null,
// (null,size)->malloc, (p,0)->free, shrink-in-place when it fits,
// otherwise malloc-copy-free.
func (h *Heap) Realloc(p Ptr, size uint64) (Ptr, error) {
	if p == 0 && size == 0 {
		return 0, nil
	}
	if p == 0 {
		return h.Malloc(size)
	}
	if size == 0 {
		return 0, h.Free(p)
	}

	offset, _ := offsetFromPtr(p)
	h.mu.Lock()
	idx := h.findRecord(offset)
	if idx < 0 {
		h.mu.Unlock()
		return 0, ErrInvalidPointer
	}
	if h.records[idx].kind != KindHeap {
		h.mu.Unlock()
		return 0, ErrKindMismatch
	}
	oldSize := h.records[idx].size
	if size <= oldSize {
		leftover := oldSize - size
		h.records[idx].size = size
		h.noteFree(leftover)
		if leftover > 0 {
			h.insertFreeRaw(offset+size, leftover)
		}
		h.mu.Unlock()
		return p, nil
	}
	h.mu.Unlock()

	newPtr, err := h.Malloc(size)
	if err != nil {
		return 0, err
	}
	n := oldSize
	if size < n {
		n = size
	}
	h.mu.Lock()
	copy(h.arena[uint64(newPtr)-1:uint64(newPtr)-1+n], h.arena[offset:offset+n])
	h.mu.Unlock()
	if err := h.Free(p); err != nil {
		db.DPrintf(db.HEAP_ERR, "realloc: freeing old pointer failed: %v", err)
	}
	return newPtr, nil
}

// Mmap reserves a page-aligned mapped region and records its
// protection bits.
func (h *Heap) Mmap(length uint64, prot Prot) (Ptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	aligned := alignUp(length, h.pageSize)
	offset, ok := h.reserve(aligned, h.pageSize)
	if !ok {
		return 0, ErrOutOfMemory
	}
	if !h.storeRecord(record{offset: offset, size: aligned, kind: KindMapping, prot: prot}) {
		h.insertFreeRaw(offset, aligned)
		return 0, ErrOutOfMemory
	}
	h.noteAlloc(aligned)
	return ptrFromOffset(offset), nil
}

// Munmap releases a mapped region; length must not exceed the
// recorded region size.
func (h *Heap) Munmap(p Ptr, length uint64) error {
	offset, ok := offsetFromPtr(p)
	if !ok {
		return ErrInvalidPointer
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.findRecord(offset)
	if idx < 0 {
		return ErrInvalidPointer
	}
	if h.records[idx].kind != KindMapping {
		return ErrKindMismatch
	}
	if h.records[idx].size < length {
		return ErrRegionTooSmall
	}
	size := h.records[idx].size
	h.records[idx].present = false
	h.insertFreeRaw(offset, size)
	h.noteFree(size)
	return nil
}

// Slice exposes a read/write view of length bytes at p, for use by the
// freestanding libc-shim collaborators (memcpy et al., spec.md §6) and
// by tests that need to inspect written bytes.
func (h *Heap) Slice(p Ptr, length uint64) ([]byte, error) {
	offset, ok := offsetFromPtr(p)
	if !ok {
		return nil, ErrInvalidPointer
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.findRecord(offset)
	if idx < 0 {
		return nil, ErrInvalidPointer
	}
	if length > h.records[idx].size {
		return nil, ErrOutOfBounds
	}
	return h.arena[offset : offset+length], nil
}
