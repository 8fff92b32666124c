package fat32

import (
	"strings"
	"testing"

	"golang.org/x/tools/txtar"

	"armkernel/internal/util"
)

// fixtureArchive stages the file contents scenarios S2/S3 exercise; the
// staged names and bodies are what buildImage bakes into a synthetic
// FAT32 disk image, keeping the test data itself declarative rather than
// interleaved with the byte-layout code below.
const fixtureArchive = `
-- hello.txt --
hello, fat32
-- this is a very long file name indeed.txt --
long filename contents
`

func parseFixture(t *testing.T) *txtar.Archive {
	t.Helper()
	return txtar.Parse([]byte(fixtureArchive))
}

// fakeDevice is an in-memory devices.BlockDevice backed by a flat byte
// slice, used only to stage synthetic FAT32 images for these tests.
type fakeDevice struct {
	ss      int
	sectors [][]byte
}

func newFakeDevice(sectorSize, numSectors int) *fakeDevice {
	d := &fakeDevice{ss: sectorSize}
	d.sectors = make([][]byte, numSectors)
	for i := range d.sectors {
		d.sectors[i] = make([]byte, sectorSize)
	}
	return d
}

func (d *fakeDevice) SectorSize() int { return d.ss }

func (d *fakeDevice) ReadSector(index int, buf []byte) (int, error) {
	return copy(buf, d.sectors[index]), nil
}

func (d *fakeDevice) WriteSector(index int, buf []byte) (int, error) {
	return copy(d.sectors[index], buf), nil
}

func (d *fakeDevice) sector(i int) []byte { return d.sectors[i] }

func putFATEntry(fatSector []byte, cluster int, value uint32) {
	off := cluster * entrySize
	fatSector[off] = byte(value)
	fatSector[off+1] = byte(value >> 8)
	fatSector[off+2] = byte(value >> 16)
	fatSector[off+3] = byte(value >> 24)
}

// shortAlias produces an 8.3 alias for a long name, numbered to avoid
// collisions the way real FAT32 implementations do ("LONGFI~1.TXT").
func shortAlias(name string, n int) (string, string) {
	base := strings.ToUpper(strings.Map(func(r rune) rune {
		if r == ' ' || r == '.' {
			return -1
		}
		return r
	}, name))
	ext := "TXT"
	if len(base) > 6 {
		base = base[:6]
	}
	return base + "~" + string(rune('0'+n)), ext
}

func writeRegularEntry(rec []byte, shortName, ext string, attr Attributes, cluster, size int) {
	copy(rec[0:8], []byte(pad(shortName, 8)))
	copy(rec[8:11], []byte(pad(ext, 3)))
	rec[11] = byte(attr)
	util.Writen(rec, 2, 20, cluster>>16)
	util.Writen(rec, 2, 26, cluster&0xFFFF)
	util.Writen(rec, 4, 28, size)
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

// writeLFNEntries writes the VFAT long-filename entries for name,
// highest sequence number first (as FAT32 stores them), immediately
// preceding the regular entry the caller writes next.
func writeLFNEntries(dest *[][]byte, name string) {
	units := utf16Units(name)
	const perEntry = 13
	n := (len(units) + perEntry - 1) / perEntry
	if n == 0 {
		n = 1
	}
	padded := make([]uint16, n*perEntry)
	copy(padded, units)
	for i := len(units); i < len(padded); i++ {
		if i == len(units) {
			padded[i] = 0x0000
		} else {
			padded[i] = 0xFFFF
		}
	}

	for seq := n; seq >= 1; seq-- {
		rec := make([]byte, dirEntrySize)
		seqByte := byte(seq)
		if seq == n {
			seqByte |= 0x40
		}
		rec[0] = seqByte
		rec[11] = byte(AttrLFN)
		chunk := padded[(seq-1)*perEntry : seq*perEntry]
		putUTF16LE(rec[1:11], chunk[0:5])
		putUTF16LE(rec[14:26], chunk[5:11])
		putUTF16LE(rec[28:32], chunk[11:13])
		*dest = append(*dest, rec)
	}
}

func utf16Units(s string) []uint16 {
	var out []uint16
	for _, r := range s {
		if r > 0xFFFF {
			r = '_'
		}
		out = append(out, uint16(r))
	}
	return out
}

func putUTF16LE(dst []byte, units []uint16) {
	for i, u := range units {
		dst[i*2] = byte(u)
		dst[i*2+1] = byte(u >> 8)
	}
}

// buildNestedImage lays out a root directory containing one file
// ("TOP.TXT") and one subdirectory ("SUBDIR"), the subdirectory itself
// containing a second file ("INNER.TXT"). This exercises Open's
// multi-component and ".." resolution, which a flat root directory
// never touches.
func buildNestedImage(t *testing.T) *fakeDevice {
	t.Helper()
	const sectorSize = 512
	const (
		rootCluster  = 2
		fileCluster  = 3
		subCluster   = 4
		innerCluster = 5
	)
	const totalSectors = 3 + 4 // root, top-level file, subdir, inner file
	dev := newFakeDevice(sectorSize, totalSectors)

	mbrBuf := dev.sector(0)
	partOff := 446
	mbrBuf[partOff] = 0x00
	mbrBuf[partOff+4] = partitionTypeFAT32LBA
	util.Writen(mbrBuf, 4, partOff+8, 1)
	util.Writen(mbrBuf, 4, partOff+12, totalSectors-1)
	util.Writen(mbrBuf, 2, 510, 0xAA55)

	ebpbBuf := dev.sector(1)
	util.Writen(ebpbBuf, 2, 11, sectorSize)
	ebpbBuf[13] = 1
	util.Writen(ebpbBuf, 2, 14, 1)
	ebpbBuf[16] = 1
	util.Writen(ebpbBuf, 4, 36, 1)
	util.Writen(ebpbBuf, 4, 44, rootCluster)
	ebpbBuf[66] = 0x29
	util.Writen(ebpbBuf, 2, 510, 0xAA55)

	fatBuf := dev.sector(2)
	putFATEntry(fatBuf, rootCluster, 0x0FFFFFF8)
	putFATEntry(fatBuf, fileCluster, 0x0FFFFFF8)
	putFATEntry(fatBuf, subCluster, 0x0FFFFFF8)
	putFATEntry(fatBuf, innerCluster, 0x0FFFFFF8)

	const topContent = "top level\n"
	const innerContent = "inside subdir\n"
	copy(dev.sector(1+fileCluster), []byte(topContent))
	copy(dev.sector(1+innerCluster), []byte(innerContent))

	rootSector := dev.sector(1 + rootCluster)
	fileRec := make([]byte, dirEntrySize)
	writeRegularEntry(fileRec, "TOP", "TXT", 0, fileCluster, len(topContent))
	copy(rootSector[0:dirEntrySize], fileRec)

	subRec := make([]byte, dirEntrySize)
	writeRegularEntry(subRec, "SUBDIR", "", AttrDirectory, subCluster, 0)
	copy(rootSector[dirEntrySize:2*dirEntrySize], subRec)

	subSector := dev.sector(1 + subCluster)
	innerRec := make([]byte, dirEntrySize)
	writeRegularEntry(innerRec, "INNER", "TXT", 0, innerCluster, len(innerContent))
	copy(subSector[0:dirEntrySize], innerRec)

	return dev
}

// buildImage lays out a minimal single-FAT, single-cluster-per-file
// FAT32 volume: disk sector 0 is the MBR, sector 1 the EBPB, sector 2 the
// sole FAT sector, and data clusters starting at cluster 2 (the root
// directory) occupy one sector each thereafter.
func buildImage(t *testing.T, files []txtar.File) *fakeDevice {
	t.Helper()
	const sectorSize = 512

	numDataClusters := 1 + len(files) // root dir + one cluster per file
	totalSectors := 3 + numDataClusters
	dev := newFakeDevice(sectorSize, totalSectors)

	// MBR at disk sector 0.
	mbrBuf := dev.sector(0)
	partOff := 446
	mbrBuf[partOff] = 0x00 // boot indicator
	mbrBuf[partOff+4] = partitionTypeFAT32LBA
	util.Writen(mbrBuf, 4, partOff+8, 1)                   // relative_sector
	util.Writen(mbrBuf, 4, partOff+12, totalSectors-1)     // total_sectors
	util.Writen(mbrBuf, 2, 510, 0xAA55)

	// EBPB at disk sector 1 (partition-relative sector 0).
	ebpbBuf := dev.sector(1)
	util.Writen(ebpbBuf, 2, 11, sectorSize) // bytes_per_sector
	ebpbBuf[13] = 1                         // sectors_per_cluster
	util.Writen(ebpbBuf, 2, 14, 1)          // num_reserved_sectors
	ebpbBuf[16] = 1                         // num_fats
	util.Writen(ebpbBuf, 4, 36, 1)          // sectors_per_fat
	util.Writen(ebpbBuf, 4, 44, 2)          // root_cluster
	ebpbBuf[66] = 0x29                      // ebpb_signature
	util.Writen(ebpbBuf, 2, 510, 0xAA55)    // boot_signature

	// FAT at disk sector 2 (partition-relative sector 1).
	fatBuf := dev.sector(2)
	putFATEntry(fatBuf, 2, 0x0FFFFFF8) // root dir: single cluster, EOC

	var rootRecords [][]byte
	nextCluster := 3
	for i, f := range files {
		content := []byte(f.Data)
		cluster := nextCluster
		nextCluster++
		putFATEntry(fatBuf, cluster, 0x0FFFFFF8)

		// disk sector for cluster c is 1 (partition start) + c.
		copy(dev.sector(1+cluster), content)

		name := strings.TrimRight(f.Name, "\n")
		upper := strings.ToUpper(name)
		fitsShort := len(strings.TrimSuffix(upper, ".TXT")) <= 8 && strings.HasSuffix(upper, ".TXT") && !strings.Contains(name, " ")
		if fitsShort {
			base := strings.TrimSuffix(upper, ".TXT")
			rec := make([]byte, dirEntrySize)
			writeRegularEntry(rec, base, "TXT", 0, cluster, len(content))
			rootRecords = append(rootRecords, rec)
		} else {
			writeLFNEntries(&rootRecords, name)
			base, ext := shortAlias(name, i+1)
			rec := make([]byte, dirEntrySize)
			writeRegularEntry(rec, base, ext, 0, cluster, len(content))
			rootRecords = append(rootRecords, rec)
		}
	}

	rootSector := dev.sector(1 + 2)
	off := 0
	for _, rec := range rootRecords {
		copy(rootSector[off:off+dirEntrySize], rec)
		off += dirEntrySize
	}

	return dev
}
