package heap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirage/config"
	"mirage/heap"
)

func small() *heap.Heap {
	return heap.New(config.Small())
}

func TestMallocFreeCycle(t *testing.T) {
	h := small()
	p, err := h.Malloc(32)
	require.Nil(t, err)
	assert.NotZero(t, p)
	require.Nil(t, h.Free(p))
	assert.Equal(t, uint64(0), h.Stats().CurrentBytes)
}

func TestMallocAlignedRejectsBadAlignment(t *testing.T) {
	h := small()
	_, err := h.MallocAligned(16, 3)
	assert.Equal(t, heap.ErrInvalidAlign, err)
	_, err = h.MallocAligned(16, 4)
	assert.Equal(t, heap.ErrInvalidAlign, err)
}

func TestMallocAlignedReturnsAlignedPointer(t *testing.T) {
	h := small()
	p, err := h.MallocAligned(16, 64)
	require.Nil(t, err)
	assert.Equal(t, uint64(0), (uint64(p)-1)%64)
}

func TestMmapPageAligned(t *testing.T) {
	h := small()
	p, err := h.Mmap(4096, heap.ProtRead)
	require.Nil(t, err)
	assert.Equal(t, uint64(0), (uint64(p)-1)%4096)
	require.Nil(t, h.Munmap(p, 4096))
}

func TestMunmapRejectsWrongKind(t *testing.T) {
	h := small()
	p, err := h.Malloc(16)
	require.Nil(t, err)
	assert.Equal(t, heap.ErrKindMismatch, h.Munmap(p, 16))
}

func TestFreeRejectsMappedPointer(t *testing.T) {
	h := small()
	p, err := h.Mmap(4096, heap.ProtRead|heap.ProtWrite)
	require.Nil(t, err)
	assert.Equal(t, heap.ErrKindMismatch, h.Free(p))
}

func TestReallocPreservesBytes(t *testing.T) {
	h := small()
	p, err := h.Malloc(16)
	require.Nil(t, err)

	buf, err := h.Slice(p, 16)
	require.Nil(t, err)
	for i := 0; i < 16; i++ {
		buf[i] = byte(i)
	}

	q, err := h.Realloc(p, 64)
	require.Nil(t, err)

	out, err := h.Slice(q, 16)
	require.Nil(t, err)
	for i := 0; i < 16; i++ {
		assert.Equal(t, byte(i), out[i])
	}
}

func TestReallocNilNilIsNoop(t *testing.T) {
	h := small()
	p, err := h.Realloc(0, 0)
	require.Nil(t, err)
	assert.Equal(t, heap.Ptr(0), p)
}

func TestReallocNilSizeIsMalloc(t *testing.T) {
	h := small()
	p, err := h.Realloc(0, 32)
	require.Nil(t, err)
	assert.NotZero(t, p)
}

func TestReallocZeroSizeIsFree(t *testing.T) {
	h := small()
	p, err := h.Malloc(32)
	require.Nil(t, err)
	q, err := h.Realloc(p, 0)
	require.Nil(t, err)
	assert.Equal(t, heap.Ptr(0), q)
	assert.Equal(t, uint64(0), h.Stats().CurrentBytes)
}

func TestReallocShrinkInPlace(t *testing.T) {
	h := small()
	p, err := h.Malloc(64)
	require.Nil(t, err)
	before := h.Stats().CurrentBytes

	q, err := h.Realloc(p, 16)
	require.Nil(t, err)
	assert.Equal(t, p, q)
	assert.Equal(t, before-48, h.Stats().CurrentBytes)
}

func TestCoalesceAdjacentFreeRegions(t *testing.T) {
	h := small()
	a, err := h.Malloc(16)
	require.Nil(t, err)
	b, err := h.Malloc(16)
	require.Nil(t, err)
	c, err := h.Malloc(16)
	require.Nil(t, err)

	require.Nil(t, h.Free(a))
	require.Nil(t, h.Free(c))
	require.Nil(t, h.Free(b))

	// The three adjacent 16-byte regions should have coalesced into one
	// 48-byte region, satisfiable by a single 48-byte allocation without
	// growing the bump offset.
	statsBefore := h.Stats()
	d, err := h.Malloc(48)
	require.Nil(t, err)
	assert.NotZero(t, d)
	assert.Equal(t, a, d)
	assert.Equal(t, statsBefore.CurrentBytes+48, h.Stats().CurrentBytes)
}

func TestOutOfMemory(t *testing.T) {
	h := small() // config.Small: HeapBytes = 64*1024
	_, err := h.Malloc(1024 * 1024)
	assert.Equal(t, heap.ErrOutOfMemory, err)
}

func TestPeakStatsSaturateAcrossFrees(t *testing.T) {
	h := small()
	p, err := h.Malloc(1024)
	require.Nil(t, err)
	peakAfterAlloc := h.Stats().PeakBytes
	require.Nil(t, h.Free(p))
	assert.Equal(t, peakAfterAlloc, h.Stats().PeakBytes)
	assert.Equal(t, uint64(0), h.Stats().CurrentBytes)
}

func TestSliceRejectsOversizedLength(t *testing.T) {
	h := small()
	p, err := h.Malloc(16)
	require.Nil(t, err)
	_, err = h.Slice(p, 32)
	assert.Equal(t, heap.ErrOutOfBounds, err)
}

func TestFreeInvalidPointer(t *testing.T) {
	h := small()
	assert.Equal(t, heap.ErrInvalidPointer, h.Free(heap.Ptr(999999)))
}

func TestFreeRegionTableExhaustionIsCounted(t *testing.T) {
	params := config.Small()
	params.MaxAreas = 2
	h := heap.New(params)

	// Each allocation below is freed before the next is made, so only
	// one record is ever live at a time even though MaxAreas is 2; the
	// free-region table, however, accumulates entries across time and
	// fills up because none of the three regions are adjacent.
	a, err := h.Malloc(16)
	require.Nil(t, err)
	require.Nil(t, h.Free(a)) // free slot 0: [0,16)

	m, err := h.Mmap(4096, heap.ProtRead)
	require.Nil(t, err)
	require.Nil(t, h.Munmap(m, 4096)) // free slot 1: [4096,8192)

	// A large alignment forces a bump gap so c lands away from both
	// existing free regions and cannot coalesce with either.
	c, err := h.MallocAligned(32, 16384)
	require.Nil(t, err)
	require.Nil(t, h.Free(c)) // table full: dropped

	assert.Equal(t, uint64(1), h.Stats().LeaksDropped)
}
