package fat32

import (
	"fmt"
	"sync"

	"armkernel/internal/blockdev"
	"armkernel/internal/devices"
)

// entrySize is the on-disk size of one raw FAT32 entry in bytes.
const entrySize = 4

// FileSystem is a mounted, read-only FAT32 volume. Grounded on
// original_source/lib/fat32/src/vfat/vfat.go's VFat<HANDLE>; the
// teacher's lock-by-closure VFatHandle pattern is replaced by a plain
// embedded sync.Mutex since this kernel has no async trait object
// boundary to cross.
type FileSystem struct {
	mu sync.Mutex

	device            *blockdev.CachedPartition
	bytesPerSector    int
	sectorsPerCluster int
	fatStartSector    int
	dataStartSector   int
	rootCluster       Cluster
}

// Mount reads the MBR and EBPB from device, locates the FAT32 partition,
// and returns a mounted, ready-to-use file system.
func Mount(device devices.BlockDevice) (*FileSystem, error) {
	mbr, err := ReadMBR(device)
	if err != nil {
		return nil, err
	}
	part, err := mbr.FindFAT32Partition()
	if err != nil {
		return nil, err
	}

	ebpb, err := ReadEBPB(device, int(part.RelativeSector))
	if err != nil {
		return nil, err
	}

	cached := blockdev.NewCachedPartition(device, int(part.RelativeSector), int(part.TotalSectors), int(ebpb.BytesPerSector))

	// fatStartSector and dataStartSector are partition-relative (sector 0
	// is the partition's own boot sector), matching the virtual
	// addressing blockdev.CachedPartition expects: it adds the
	// partition's physical start itself.
	fatStart := int(ebpb.NumReservedSectors)
	dataStart := fatStart + int(ebpb.NumFATs)*int(ebpb.SectorsPerFAT)

	return &FileSystem{
		device:            cached,
		bytesPerSector:    int(ebpb.BytesPerSector),
		sectorsPerCluster: int(ebpb.SectorsPerCluster),
		fatStartSector:    fatStart,
		dataStartSector:   dataStart,
		rootCluster:       Cluster(ebpb.RootCluster),
	}, nil
}

// bytesPerCluster is the size in bytes of one data cluster.
func (fs *FileSystem) bytesPerCluster() int {
	return fs.bytesPerSector * fs.sectorsPerCluster
}

// clusterFatAddr converts a cluster number to the (sector, byte offset
// within sector) of its FAT entry.
func (fs *FileSystem) clusterFatAddr(c Cluster) (sector, offset int) {
	entriesPerSector := fs.bytesPerSector / entrySize
	sector = fs.fatStartSector + int(c)/entriesPerSector
	offset = (int(c) % entriesPerSector) * entrySize
	return sector, offset
}

// fatEntry reads the FAT entry for cluster c.
func (fs *FileSystem) fatEntry(c Cluster) (FatEntry, error) {
	sector, offset := fs.clusterFatAddr(c)
	buf, err := fs.device.Get(sector)
	if err != nil {
		return 0, err
	}
	if offset+entrySize > len(buf) {
		return 0, fmt.Errorf("fat32: FAT entry offset out of range")
	}
	v := uint32(buf[offset]) | uint32(buf[offset+1])<<8 | uint32(buf[offset+2])<<16 | uint32(buf[offset+3])<<24
	return FatEntry(v), nil
}

// clusterDataStartSector returns the first partition-relative (logical)
// sector holding c's data.
func (fs *FileSystem) clusterDataStartSector(c Cluster) int {
	return fs.dataStartSector + (int(c)-2)*fs.sectorsPerCluster
}

// readCluster reads one whole cluster's worth of data, starting at
// offset within the cluster, into buf. It returns the number of bytes
// copied, which may be less than len(buf) if the cluster doesn't hold
// that much starting at offset.
func (fs *FileSystem) readCluster(c Cluster, offset int, buf []byte) (int, error) {
	entry, err := fs.fatEntry(c)
	if err != nil {
		return 0, err
	}
	status, _ := entry.Status()
	if status != StatusData && status != StatusEoc {
		return 0, fmt.Errorf("fat32: attempted to read non-data cluster %d (%s)", c, status)
	}

	startSector := fs.clusterDataStartSector(c)
	clusterData := make([]byte, 0, fs.bytesPerCluster())
	sec := make([]byte, fs.bytesPerSector)
	for i := 0; i < fs.sectorsPerCluster; i++ {
		if _, err := fs.device.Read(startSector+i, sec); err != nil {
			return 0, err
		}
		clusterData = append(clusterData, sec...)
	}

	n := len(buf)
	if max := fs.bytesPerCluster() - offset; n > max {
		n = max
	}
	copy(buf[:n], clusterData[offset:offset+n])
	return n, nil
}

// readChainFromOffset reads every cluster in the chain starting at start,
// beginning at byte offset offset within the chain, appending bytes to
// buf until the chain's end-of-chain marker is reached.
func (fs *FileSystem) readChainFromOffset(start Cluster, offset int, buf *[]byte) (int, error) {
	bpc := fs.bytesPerCluster()
	curr := start
	clusterOffset := offset % bpc
	nread := 0

	// Walk the chain to the cluster that holds offset.
	for skip := offset / bpc; skip > 0; skip-- {
		entry, err := fs.fatEntry(curr)
		if err != nil {
			return 0, err
		}
		status, next := entry.Status()
		if status != StatusData {
			return 0, fmt.Errorf("fat32: offset %d lies beyond the cluster chain (%s)", offset, status)
		}
		curr = Cluster(next)
	}

	for {
		entry, err := fs.fatEntry(curr)
		if err != nil {
			return nread, err
		}
		status, next := entry.Status()

		*buf = append(*buf, make([]byte, bpc)...)
		n, err := fs.readCluster(curr, clusterOffset, (*buf)[nread:nread+bpc])
		if err != nil {
			return nread, err
		}
		nread += n
		clusterOffset = 0

		switch status {
		case StatusData:
			curr = Cluster(next)
		case StatusEoc:
			return nread, nil
		default:
			return nread, fmt.Errorf("fat32: invalid entry status %s reading cluster chain", status)
		}
	}
}

func (fs *FileSystem) readChain(start Cluster) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var buf []byte
	n, err := fs.readChainFromOffset(start, 0, &buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Root returns the file system's root directory.
func (fs *FileSystem) Root() *Dir {
	return &Dir{fs: fs, startCluster: fs.rootCluster, metadata: Metadata{Name: "/", Attributes: AttrDirectory}}
}
