package fat32

import (
	"fmt"

	"armkernel/internal/devices"
	"armkernel/internal/util"
)

// BiosParameterBlock is the decoded FAT32 extended BIOS parameter block,
// field layout per original_source/lib/fat32/src/vfat/ebpb.rs.
type BiosParameterBlock struct {
	BytesPerSector      uint16
	SectorsPerCluster   uint8
	NumReservedSectors  uint16
	NumFATs             uint8
	TotalLogicalSectors uint32
	SectorsPerFAT       uint32
	RootCluster         uint32
}

// ReadEBPB reads and validates the EBPB from the given sector of device.
func ReadEBPB(device devices.BlockDevice, sector int) (*BiosParameterBlock, error) {
	buf := make([]byte, sectorBytes)
	n, err := device.ReadSector(sector, buf)
	if err != nil {
		return nil, fmt.Errorf("fat32: reading EBPB: %w", err)
	}
	if n != sectorBytes {
		return nil, fmt.Errorf("fat32: short read of EBPB sector")
	}

	ebpbSignature := buf[66]
	bootSignature := uint16(util.Readn(buf, 2, 510))
	if (ebpbSignature != 0x28 && ebpbSignature != 0x29) || bootSignature != 0xAA55 {
		return nil, fmt.Errorf("fat32: bad EBPB signature")
	}

	totalLogical16 := uint32(util.Readn(buf, 2, 19))
	totalLogical32 := uint32(util.Readn(buf, 4, 32))
	total := totalLogical32
	if totalLogical16 != 0 {
		total = totalLogical16
	}

	return &BiosParameterBlock{
		BytesPerSector:      uint16(util.Readn(buf, 2, 11)),
		SectorsPerCluster:   uint8(util.Readn(buf, 1, 13)),
		NumReservedSectors:  uint16(util.Readn(buf, 2, 14)),
		NumFATs:             uint8(util.Readn(buf, 1, 16)),
		TotalLogicalSectors: total,
		SectorsPerFAT:       uint32(util.Readn(buf, 4, 36)),
		RootCluster:         uint32(util.Readn(buf, 4, 44)),
	}, nil
}
