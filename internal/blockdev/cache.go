// Package blockdev implements the per-sector block cache that sits
// between the FAT32 engine and a raw block device: CachedPartition from
// spec.md §3/§4.D. Grounded on
// original_source/lib/fat32/src/vfat/cache.rs (factor,
// virtual_to_physical, insert_if_not_exists), redesigned per spec.md §9 to
// expose copy-out reads and a scoped-callback write instead of returning
// references into the cache map, eliminating aliasing hazards under
// preemption.
package blockdev

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"armkernel/internal/devices"
)

// maxConcurrentFetches bounds how many physical-sector reads a directory
// scan may have in flight at once, so a large scan cannot stampede the
// simulated disk.
const maxConcurrentFetches = 4

// blockdevDebug gates diagnostic prints of cache misses, in the
// teacher's bdev_debug style (fs/blk.go): false by default, flip to
// trace which logical sectors actually reach the underlying device.
const blockdevDebug = false

type cacheEntry struct {
	data  []byte
	dirty bool
}

// CachedPartition caches logical sectors of one partition of a block
// device. Cache entries live until the partition is dropped; there is no
// eviction.
type CachedPartition struct {
	device      devices.BlockDevice
	startSector int
	numSectors  int
	sectorSize  int // logical sector size; a multiple of device.SectorSize()

	mu    sync.Mutex
	cache map[int]*cacheEntry
	sem   *semaphore.Weighted
}

// NewCachedPartition creates a cache over device, mapping logical sectors
// [0, numSectors) to physical sectors starting at startSector. sectorSize
// must be an integer multiple of device.SectorSize().
func NewCachedPartition(device devices.BlockDevice, startSector, numSectors, sectorSize int) *CachedPartition {
	ds := device.SectorSize()
	if sectorSize < ds || sectorSize%ds != 0 {
		panic("blockdev: logical sector size must be a multiple of the device sector size")
	}
	return &CachedPartition{
		device:      device,
		startSector: startSector,
		numSectors:  numSectors,
		sectorSize:  sectorSize,
		cache:       make(map[int]*cacheEntry),
		sem:         semaphore.NewWeighted(maxConcurrentFetches),
	}
}

// factor is the number of physical sectors that make up one logical
// sector.
func (c *CachedPartition) factor() int {
	return c.sectorSize / c.device.SectorSize()
}

// VirtualToPhysical maps logical sector v to its physical sector number,
// or reports false if v is out of range.
func (c *CachedPartition) VirtualToPhysical(v int) (int, bool) {
	if v < 0 || v >= c.numSectors {
		return 0, false
	}
	return c.startSector + v*c.factor(), true
}

func (c *CachedPartition) fetch(sector int) (*cacheEntry, error) {
	c.mu.Lock()
	if e, ok := c.cache[sector]; ok {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	phys, ok := c.VirtualToPhysical(sector)
	if !ok {
		return nil, fmt.Errorf("blockdev: sector %d out of range", sector)
	}
	if blockdevDebug {
		fmt.Printf("blockdev: cache miss, fetching logical sector %d (physical %d)\n", sector, phys)
	}

	if err := c.sem.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	devSS := c.device.SectorSize()
	buf := make([]byte, c.sectorSize)
	for i := 0; i < c.factor(); i++ {
		n, err := c.device.ReadSector(phys+i, buf[i*devSS:(i+1)*devSS])
		if err != nil {
			return nil, err
		}
		if n != devSS {
			return nil, fmt.Errorf("blockdev: short read of physical sector %d", phys+i)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.cache[sector]; ok {
		// another goroutine raced us to populate the entry.
		return e, nil
	}
	e := &cacheEntry{data: buf}
	c.cache[sector] = e
	return e, nil
}

// Read copies the contents of logical sector into out, fetching it from
// the device first if it is not already cached. len(out) must be >=
// the logical sector size.
func (c *CachedPartition) Read(sector int, out []byte) (int, error) {
	e, err := c.fetch(sector)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(out) < len(e.data) {
		return 0, fmt.Errorf("blockdev: destination buffer too small reading sector %d", sector)
	}
	return copy(out, e.data), nil
}

// Get returns an owned copy of logical sector's bytes.
func (c *CachedPartition) Get(sector int) ([]byte, error) {
	e, err := c.fetch(sector)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, nil
}

// WithSector runs f with a scoped, exclusive view of the cached sector,
// marking it dirty afterward. Write-back to the underlying device is not
// implemented (spec.md §9): in this system all cache contents ultimately
// come from immutable disk contents, so a dirty entry simply means "this
// sector was handed out for mutation", not "pending flush".
func (c *CachedPartition) WithSector(sector int, f func([]byte)) error {
	e, err := c.fetch(sector)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f(e.data)
	e.dirty = true
	return nil
}

// SectorSize returns the logical sector size of the partition.
func (c *CachedPartition) SectorSize() int { return c.sectorSize }
