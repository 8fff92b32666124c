// Package pagetable implements the two-level (L2/L3) ARM64 page-table
// manager: a kernel identity map and per-process user address spaces.
// Grounded bit-for-bit on original_source/kern/src/vm/pagetable.rs; the
// teacher's vm/as.go supplies the Go idiom (opaque address types,
// Lockassert-style invariant panics) since its own page table targets
// x86-64 with refcounted, copy-on-write pages, which this design excludes.
package pagetable

import (
	"unsafe"

	"armkernel/internal/kconfig"
)

// VirtualAddress and PhysicalAddress are opaque 64-bit addresses.
type VirtualAddress uintptr
type PhysicalAddress uintptr

func (v VirtualAddress) AsUsize() int    { return int(v) }
func (v VirtualAddress) AsU64() uint64   { return uint64(v) }
func (p PhysicalAddress) AsUsize() int   { return int(p) }
func (p PhysicalAddress) AsU64() uint64  { return uint64(p) }
func (p PhysicalAddress) AsUintptr() uintptr { return uintptr(p) }

// MemAttr selects the memory type an L3 entry describes.
type MemAttr int

const (
	AttrNormal MemAttr = iota
	AttrDevice
)

// Shareability selects the domain an L3 entry's mapping is coherent over.
type Shareability int

const (
	NonShareable Shareability = iota
	InnerShareable
	OuterShareable
)

// Perm is the access permission recorded in an L3 entry's AP bits.
type Perm int

const (
	PermKernelRW Perm = iota
	PermUserRW
	PermUserRO
	PermUserRWX
)

// L3Entry is either invalid, or a 4-tuple (physical page base, attr,
// permission, shareability) plus the access flag.
type L3Entry struct {
	Valid    bool
	PhysPage PhysicalAddress // page-aligned base of the mapped physical page
	Attr     MemAttr
	Perm     Perm
	Sh       Shareability
	AF       bool
}

// l3Table holds one level-3 translation table: 8192 entries, 64 KiB
// aligned, covering 512 MiB of virtual address space.
type l3Table struct {
	entries [kconfig.L3Entries]L3Entry
}

// PageTable is one L2 table pointing at up to two L3 tables, giving 1 GiB
// of virtual coverage per process. Only L2 indices 0 and 1 are ever
// populated; the L2Entries constant documents the full hardware table
// size without the kernel materializing unused entries.
type PageTable struct {
	l3 [kconfig.L3TablesPerProcess]*l3Table
}

// NewPageTable allocates a fresh, entirely-invalid page table.
func NewPageTable() *PageTable {
	pt := &PageTable{}
	for i := range pt.l3 {
		pt.l3[i] = &l3Table{}
	}
	return pt
}

// Locate splits va into its L2 and L3 indices. It panics if the resulting
// L2 index falls outside the two tables this kernel maintains, or if va
// is not page-aligned.
func (pt *PageTable) Locate(va VirtualAddress) (l2Index, l3Index int) {
	if uintptr(va)&kconfig.PageMask != 0 {
		panic("pagetable: virtual address not page-aligned")
	}
	l2Index = int((uintptr(va) >> 29) & 0x1FFF)
	l3Index = int((uintptr(va) >> 16) & 0x1FFF)
	if l2Index >= kconfig.L3TablesPerProcess {
		panic("pagetable: L2 index exceeds number of L3 tables")
	}
	return l2Index, l3Index
}

// IsValid reports whether the L3 entry for va is present.
func (pt *PageTable) IsValid(va VirtualAddress) bool {
	l2, l3 := pt.Locate(va)
	return pt.l3[l2].entries[l3].Valid
}

// Entry returns a pointer to the L3 entry for va, allowing in-place
// mutation.
func (pt *PageTable) Entry(va VirtualAddress) *L3Entry {
	l2, l3 := pt.Locate(va)
	return &pt.l3[l2].entries[l3]
}

// AllEntries iterates every L3 entry across both tables, in L2-then-L3
// order, without allocating a combined slice.
func (pt *PageTable) AllEntries(f func(*L3Entry)) {
	for _, t := range pt.l3 {
		for i := range t.entries {
			f(&t.entries[i])
		}
	}
}

// identityMapRange writes valid L3 entries for every page in [start, end)
// of physical memory with the given attribute and shareability, kernel
// read-write, access-flag set.
func identityMapRange(pt *PageTable, start, end uintptr, attr MemAttr, sh Shareability) {
	for pa := start; pa < end; pa += kconfig.PageSize {
		e := pt.Entry(VirtualAddress(pa))
		*e = L3Entry{
			Valid:    true,
			PhysPage: PhysicalAddress(pa),
			Attr:     attr,
			Perm:     PermKernelRW,
			Sh:       sh,
			AF:       true,
		}
	}
}

// KernelPageTable owns the single page table identity-mapping RAM and the
// MMIO aperture for use by TTBR0.
type KernelPageTable struct {
	PT *PageTable
}

// NewKernelPageTable builds the kernel identity map: RAM [0, memoryEnd) as
// normal, inner-shareable, kernel RW, and the MMIO aperture as device,
// outer-shareable, kernel RW.
func NewKernelPageTable(memoryEnd uintptr) *KernelPageTable {
	pt := NewPageTable()
	identityMapRange(pt, 0, memoryEnd, AttrNormal, InnerShareable)
	identityMapRange(pt, kconfig.IOBase, kconfig.IOBaseEnd, AttrDevice, OuterShareable)
	return &KernelPageTable{PT: pt}
}

// BasePhysical returns the physical base address of the page-table
// structure, suitable for TTBR0. The L2 table itself is never
// materialized (see PageTable's doc comment); its would-be base address
// is represented by the first L3 table, which is where a real L2 table's
// only populated entry would point.
func (k *KernelPageTable) BasePhysical() PhysicalAddress {
	return PhysicalAddress(uintptr(unsafe.Pointer(k.PT.l3[0])))
}

// PageSource allocates and frees page-sized, page-aligned physical pages.
// Satisfied by *heap.HeapRegion.
type PageSource interface {
	Alloc(size, align int) uintptr
	Dealloc(p uintptr, size, align int)
}

// UserPageTable is a process's private address space, initially empty
// (individual pages installed on demand, each with the permission passed
// to Alloc).
type UserPageTable struct {
	PT     *PageTable
	pages  PageSource
}

// NewUserPageTable creates an empty user address space backed by pages
// allocator.
func NewUserPageTable(pages PageSource) *UserPageTable {
	return &UserPageTable{PT: NewPageTable(), pages: pages}
}

// BasePhysical returns the physical base address of the page table,
// suitable for TTBR1. See KernelPageTable.BasePhysical for why this is
// the first L3 table's address.
func (u *UserPageTable) BasePhysical() PhysicalAddress {
	return PhysicalAddress(uintptr(unsafe.Pointer(u.PT.l3[0])))
}

// Alloc maps va (which must be >= USER_IMG_BASE) to a freshly allocated
// 64 KiB page with the requested permission and returns a writable window
// onto it.
//
// Panics if va < USER_IMG_BASE, if va is already mapped, or if the heap is
// exhausted (the "recognizable tag" scenario S6 calls for).
func (u *UserPageTable) Alloc(va VirtualAddress, perm Perm) []byte {
	if uintptr(va) < kconfig.USERIMGBase {
		panic("pagetable: UserPageTable.Alloc: va below USER_IMG_BASE")
	}
	internal := VirtualAddress(uintptr(va) - kconfig.USERIMGBase)
	if u.PT.IsValid(internal) {
		panic("pagetable: UserPageTable.Alloc: address already mapped")
	}

	page := u.pages.Alloc(kconfig.PageSize, kconfig.PageSize)
	if page == 0 {
		panic("pagetable: UserPageTable.Alloc: out of memory")
	}

	e := u.PT.Entry(internal)
	*e = L3Entry{
		Valid:    true,
		PhysPage: PhysicalAddress(page),
		Attr:     AttrNormal,
		Perm:     perm,
		Sh:       InnerShareable,
		AF:       true,
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(page)), kconfig.PageSize)
}

// Free walks both L3 tables and returns every mapped physical page to the
// heap. Called when the owning process is dropped.
func (u *UserPageTable) Free() {
	u.PT.AllEntries(func(e *L3Entry) {
		if e.Valid {
			u.pages.Dealloc(uintptr(e.PhysPage), kconfig.PageSize, kconfig.PageSize)
			e.Valid = false
		}
	})
}
