// Package fat32 implements a read-only FAT32 engine: MBR and BPB
// parsing, FAT entry decoding, directory iteration (short and long file
// names), and file read/seek, layered on top of a blockdev.CachedPartition.
// Grounded on original_source/lib/fat32/src/{mbr,vfat/ebpb,vfat/fat,
// vfat/dir,vfat/file,vfat/vfat}.rs, with byte layout decoded via
// util.Readn/Writen in the teacher's style (biscuit/src/util/util.go)
// rather than a reflection-based struct overlay.
package fat32

import (
	"fmt"

	"armkernel/internal/devices"
	"armkernel/internal/util"
)

const sectorBytes = 512

// partitionTypeFAT32LBA and partitionTypeFAT32CHS are the two MBR
// partition-type bytes this engine recognizes.
const (
	partitionTypeFAT32LBA = 0x0C
	partitionTypeFAT32CHS = 0x0B
)

// PartitionEntry is one decoded 16-byte MBR partition table entry.
type PartitionEntry struct {
	BootIndicator  byte
	PartitionType  byte
	RelativeSector uint32
	TotalSectors   uint32
}

func parsePartitionEntry(b []byte) (PartitionEntry, error) {
	bi := b[0]
	if bi != 0x00 && bi != 0x80 {
		return PartitionEntry{}, fmt.Errorf("fat32: unknown boot indicator %#x", bi)
	}
	return PartitionEntry{
		BootIndicator:  bi,
		PartitionType:  b[4],
		RelativeSector: uint32(util.Readn(b, 4, 8)),
		TotalSectors:   uint32(util.Readn(b, 4, 12)),
	}, nil
}

// MasterBootRecord is the decoded 512-byte sector 0 of a disk.
type MasterBootRecord struct {
	PartitionTable [4]PartitionEntry
}

// ReadMBR reads and validates the master boot record from sector 0 of
// device.
func ReadMBR(device devices.BlockDevice) (*MasterBootRecord, error) {
	buf := make([]byte, sectorBytes)
	n, err := device.ReadSector(0, buf)
	if err != nil {
		return nil, fmt.Errorf("fat32: reading MBR: %w", err)
	}
	if n != sectorBytes {
		return nil, fmt.Errorf("fat32: short read of MBR sector")
	}

	signature := uint16(util.Readn(buf, 2, 510))
	if signature != 0xAA55 {
		return nil, fmt.Errorf("fat32: bad MBR signature %#x", signature)
	}

	var mbr MasterBootRecord
	const partitionTableOffset = 446
	for i := range mbr.PartitionTable {
		entry, err := parsePartitionEntry(buf[partitionTableOffset+i*16 : partitionTableOffset+(i+1)*16])
		if err != nil {
			return nil, fmt.Errorf("fat32: partition %d: %w", i, err)
		}
		mbr.PartitionTable[i] = entry
	}
	return &mbr, nil
}

// FindFAT32Partition returns the first partition entry in mbr whose type
// byte marks it as FAT32 (LBA or CHS addressed).
func (mbr *MasterBootRecord) FindFAT32Partition() (PartitionEntry, error) {
	for _, p := range mbr.PartitionTable {
		if p.PartitionType == partitionTypeFAT32LBA || p.PartitionType == partitionTypeFAT32CHS {
			return p, nil
		}
	}
	return PartitionEntry{}, fmt.Errorf("fat32: no FAT32 partition found in MBR")
}
