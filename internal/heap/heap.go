// Package heap implements the kernel's physical-memory allocator: a
// segregated free-list (bin) allocator over a fixed byte range, with no
// coalescing. Grounded on original_source/kern/src/allocator/bin.rs for the
// bin-walk algorithm and util.rs for alignment, restyled in the teacher's
// idiom (opaque sized types, panic on caller misuse, in-place list nodes).
package heap

import (
	"sync"
	"unsafe"

	"armkernel/internal/util"
)

// NumBins is the number of size-class free lists a HeapRegion maintains.
const NumBins = 30

// nodeWords is the number of machine words stored at the head of every
// freed block: a list link followed by the block's original size.
const nodeWords = 2

// WordSize is the size in bytes of a list node's link/size fields.
const WordSize = 8

// BinOf returns the free-list index for an allocation of sz bytes. Bin k
// covers the half-open-above range (2^(k+2), 2^(k+3)], so a request of
// exactly 2^(k+3) bytes lands in bin k. BinOf is monotonic non-decreasing
// and sz <= 2^(BinOf(sz)+3) always holds.
func BinOf(sz int) int {
	s := sz
	if s < 8 {
		s = 8
	}
	k := ceilLog2(s) - 3
	if k < 0 {
		k = 0
	}
	if k > NumBins-1 {
		k = NumBins - 1
	}
	return k
}

// ceilLog2 returns the smallest n such that 2^n >= v, for v >= 1.
func ceilLog2(v int) int {
	if v <= 1 {
		return 0
	}
	n := 0
	for (1 << uint(n)) < v {
		n++
	}
	return n
}

// HeapRegion is a bin allocator over the contiguous byte range [Start,
// End). Every byte ever returned by Alloc lies within that range.
type HeapRegion struct {
	mu            sync.Mutex
	Start, End    uintptr
	freePoolStart uintptr
	bins          [NumBins]uintptr
}

// NewHeapRegion creates an allocator over [start, end). The caller
// guarantees that the entire range is backed by real, exclusively-owned
// memory for the allocator's lifetime.
func NewHeapRegion(start, end uintptr) *HeapRegion {
	if end < start {
		panic("heap: end before start")
	}
	return &HeapRegion{Start: start, End: end, freePoolStart: start}
}

func loadNode(p uintptr) (next, size uintptr) {
	np := (*uintptr)(unsafe.Pointer(p))
	sp := (*uintptr)(unsafe.Pointer(p + WordSize))
	return *np, *sp
}

func storeNode(p, next, size uintptr) {
	np := (*uintptr)(unsafe.Pointer(p))
	sp := (*uintptr)(unsafe.Pointer(p + WordSize))
	*np = next
	*sp = size
}

// Alloc returns a pointer p with p % align == 0 and [p, p+size) contained
// in [Start, End), or 0 on exhaustion. size must be > 0 and align must be
// a power of two; violating either is undefined behavior, per the
// allocator's contract.
func (h *HeapRegion) Alloc(size, align int) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := BinOf(size)
	var notUsable []uintptr
	var result uintptr
	oom := false

	for result == 0 && !oom {
		head := h.bins[k]
		if head != 0 {
			next, storedSize := loadNode(head)
			h.bins[k] = next
			aligned := util.AlignUp(head, uintptr(align))
			if aligned+uintptr(size) <= head+storedSize {
				result = aligned
			} else {
				notUsable = append(notUsable, head)
			}
			continue
		}
		if k < NumBins-1 {
			k++
			continue
		}
		aligned := util.AlignUp(h.freePoolStart, uintptr(align))
		if aligned+uintptr(size) <= h.End {
			h.freePoolStart = aligned + uintptr(size)
			result = aligned
		} else {
			oom = true
		}
	}

	// Blocks popped during the search but rejected for alignment go
	// back to the bin matching their own (unmodified) size.
	for _, p := range notUsable {
		_, sz := loadNode(p)
		b := BinOf(int(sz))
		storeNode(p, h.bins[b], sz)
		h.bins[b] = p
	}

	return result
}

// Dealloc returns the block at p, of size bytes, to the allocator. align
// must match the value passed to the corresponding Alloc call.
func (h *HeapRegion) Dealloc(p uintptr, size, align int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := BinOf(size)
	storeNode(p, h.bins[b], uintptr(size))
	h.bins[b] = p
}

// BinEmpty reports whether the free list for bin b currently holds no
// blocks; primarily useful from tests.
func (h *HeapRegion) BinEmpty(b int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bins[b] == 0
}
