// Command mkfatimg builds a synthetic FAT32 disk image from a host
// directory tree, for use as a root file system fixture. Grounded on
// biscuit/src/mkfs/mkfs.go's directory-walk-and-copy structure; this
// tool assembles real FAT32 on-disk bytes (MBR, EBPB, FAT, cluster-
// chained directories and files) instead of biscuit's own disk format,
// since internal/fat32 only reads FAT32.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"armkernel/internal/util"
)

const (
	sectorSize   = 512
	dirEntrySize = 32

	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLFN       = 0x0F
)

// node is one file or directory in the host tree being copied in.
type node struct {
	name     string
	isDir    bool
	hostPath string
	size     int
	children []*node

	startCluster uint32
	numClusters  int
}

func buildTree(hostPath, name string) (*node, error) {
	info, err := os.Stat(hostPath)
	if err != nil {
		return nil, err
	}
	n := &node{name: name, hostPath: hostPath, isDir: info.IsDir()}
	if !n.isDir {
		n.size = int(info.Size())
		return n, nil
	}

	entries, err := os.ReadDir(hostPath)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		child, err := buildTree(filepath.Join(hostPath, e.Name()), e.Name())
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, child)
	}
	return n, nil
}

func clustersForBytes(n, bytesPerCluster int) int {
	if n == 0 {
		return 1
	}
	return (n + bytesPerCluster - 1) / bytesPerCluster
}

// utf16UnitCount is the number of UTF-16 code units name encodes to,
// counting surrogate pairs as two units.
func utf16UnitCount(name string) int {
	n := 0
	for _, r := range name {
		if r > 0xFFFF {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// lfnEntryCountForName is how many 13-char LFN records name needs,
// including its NUL terminator unit.
func lfnEntryCountForName(name string) int {
	units := utf16UnitCount(name) + 1
	return (units + 12) / 13
}

// computeSizes fills in numClusters bottom-up: a file's size comes from
// the host, a directory's from the entry records (short name plus any
// LFN records) its children need.
func computeSizes(n *node, bytesPerCluster int) {
	if !n.isDir {
		n.numClusters = clustersForBytes(n.size, bytesPerCluster)
		return
	}
	for _, c := range n.children {
		computeSizes(c, bytesPerCluster)
	}
	used := map[string]bool{}
	entryBytes := 0
	for _, c := range n.children {
		_, _, exact := shortNameFor(c.name, used)
		entryBytes += dirEntrySize
		if !exact {
			entryBytes += lfnEntryCountForName(c.name) * dirEntrySize
		}
	}
	n.numClusters = clustersForBytes(entryBytes, bytesPerCluster)
}

// assignClusters lays the tree out breadth-first starting at cluster 2
// (root first), so the root directory gets the lowest cluster number,
// matching convention. Returns the total cluster count.
func assignClusters(root *node) int {
	next := uint32(2)
	queue := []*node{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		n.startCluster = next
		next += uint32(n.numClusters)
		queue = append(queue, n.children...)
	}
	return int(next - 2)
}

func sanitizeComponent(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune("$%'-_@~`!(){}^#&", r):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}

func splitNameExt(name string) (base, ext string) {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}

// shortNameFor derives an 8.3 short name for name, unique within used.
// isExact reports whether name already was a valid 8.3 name needing no
// LFN records alongside it.
func shortNameFor(name string, used map[string]bool) (base8, ext3 string, isExact bool) {
	base, ext := splitNameExt(name)
	cleanBase := sanitizeComponent(base, 255)
	cleanExt := sanitizeComponent(ext, 3)
	exact := cleanBase == base && cleanExt == ext && len(base) <= 8 && len(ext) <= 3

	b8, e3 := cleanBase, cleanExt
	if len(e3) > 3 {
		e3 = e3[:3]
	}

	if exact {
		used[b8+"."+e3] = true
		return b8, e3, true
	}

	stem := cleanBase
	if len(stem) > 6 {
		stem = stem[:6]
	}
	for i := 1; i < 1_000_000; i++ {
		tail := fmt.Sprintf("~%d", i)
		n := len(stem)
		if n+len(tail) > 8 {
			n = 8 - len(tail)
		}
		cand := stem[:n] + tail
		key := cand + "." + e3
		if !used[key] {
			used[key] = true
			return cand, e3, false
		}
	}
	panic("mkfatimg: exhausted short-name suffixes in one directory")
}

func shortNameChecksum(base8, ext3 string) byte {
	name11 := []byte(fmt.Sprintf("%-8s%-3s", base8, ext3))
	var sum byte
	for _, b := range name11 {
		sum = (sum>>1 | sum<<7) + b
	}
	return sum
}

var utf16leEncoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()

// encodeLFNEntries returns name's LFN directory records, highest
// sequence number first, matching the on-disk order fat32.Dir.Entries
// expects (and the comment there explains: sequence 1 holds the first
// 13 characters, but it is the record physically closest to the short
// entry that follows).
func encodeLFNEntries(name string, checksum byte) [][]byte {
	units, err := utf16leEncoder.Bytes([]byte(name))
	if err != nil {
		panic(fmt.Sprintf("mkfatimg: encoding LFN name %q: %v", name, err))
	}
	units = append(units, 0x00, 0x00)
	for (len(units)/2)%13 != 0 {
		units = append(units, 0xFF, 0xFF)
	}
	numChunks := len(units) / 2 / 13

	entries := make([][]byte, numChunks)
	for i := 0; i < numChunks; i++ {
		chunk := units[i*26 : i*26+26]
		rec := make([]byte, dirEntrySize)
		seq := byte(i + 1)
		if i == numChunks-1 {
			seq |= 0x40
		}
		rec[0] = seq
		copy(rec[1:11], chunk[0:10])
		rec[11] = attrLFN
		rec[13] = checksum
		copy(rec[14:26], chunk[10:22])
		copy(rec[28:32], chunk[22:26])
		entries[numChunks-1-i] = rec
	}
	return entries
}

func writeShortEntry(rec []byte, base8, ext3 string, attr byte, cluster uint32, size uint32) {
	copy(rec[0:8], []byte(fmt.Sprintf("%-8s", base8)))
	copy(rec[8:11], []byte(fmt.Sprintf("%-3s", ext3)))
	rec[11] = attr
	util.Writen(rec, 2, 20, int(cluster>>16))
	util.Writen(rec, 2, 26, int(cluster&0xFFFF))
	util.Writen(rec, 4, 28, int(size))
}

// buildDirEntries lays out dir's children as a flat run of directory
// records, LFN records preceding each short entry that needs them, zero
// padded to a whole number of clusters (a run of zero bytes reads back
// as the end-of-directory marker fat32.Dir.Entries stops on).
func buildDirEntries(dir *node, bytesPerCluster int) []byte {
	used := map[string]bool{}
	var buf []byte
	for _, child := range dir.children {
		base8, ext3, exact := shortNameFor(child.name, used)
		if !exact {
			checksum := shortNameChecksum(base8, ext3)
			for _, rec := range encodeLFNEntries(child.name, checksum) {
				buf = append(buf, rec...)
			}
		}

		attr := byte(attrArchive)
		size := uint32(child.size)
		if child.isDir {
			attr, size = attrDirectory, 0
		}
		rec := make([]byte, dirEntrySize)
		writeShortEntry(rec, base8, ext3, attr, child.startCluster, size)
		buf = append(buf, rec...)
	}

	total := dir.numClusters * bytesPerCluster
	for len(buf) < total {
		buf = append(buf, 0)
	}
	return buf
}

func writeMBR(image []byte, partStartSector, partSectors int) {
	const partitionTableOffset = 446
	const partitionTypeFAT32LBA = 0x0C

	rec := image[partitionTableOffset : partitionTableOffset+16]
	rec[0] = 0x00
	rec[4] = partitionTypeFAT32LBA
	util.Writen(rec, 4, 8, partStartSector)
	util.Writen(rec, 4, 12, partSectors)
	util.Writen(image, 2, 510, 0xAA55)
}

func writeEBPB(image []byte, partStartSector, spc, reservedSectors, numFATs, sectorsPerFAT, partSectors int, rootCluster uint32) {
	sec := image[partStartSector*sectorSize : (partStartSector+1)*sectorSize]
	util.Writen(sec, 2, 11, sectorSize)
	sec[13] = byte(spc)
	util.Writen(sec, 2, 14, reservedSectors)
	sec[16] = byte(numFATs)
	util.Writen(sec, 4, 32, partSectors)
	util.Writen(sec, 4, 36, sectorsPerFAT)
	util.Writen(sec, 4, 44, int(rootCluster))
	sec[66] = 0x29
	util.Writen(sec, 2, 510, 0xAA55)
}

func writeFATChain(fat []byte, n *node) {
	for i := 0; i < n.numClusters; i++ {
		cluster := n.startCluster + uint32(i)
		val := cluster + 1
		if i == n.numClusters-1 {
			val = 0x0FFFFFFF
		}
		util.Writen(fat, 4, int(cluster)*4, int(val))
	}
	for _, c := range n.children {
		writeFATChain(fat, c)
	}
}

func clusterAbsByteOffset(cluster uint32, dataStartAbsSector, spc int) int {
	return (dataStartAbsSector + (int(cluster)-2)*spc) * sectorSize
}

func writeTree(image []byte, n *node, dataStartAbsSector, spc, bytesPerCluster int) {
	off := clusterAbsByteOffset(n.startCluster, dataStartAbsSector, spc)
	span := image[off : off+n.numClusters*bytesPerCluster]

	if n.isDir {
		copy(span, buildDirEntries(n, bytesPerCluster))
		for _, c := range n.children {
			writeTree(image, c, dataStartAbsSector, spc, bytesPerCluster)
		}
		return
	}

	content, err := os.ReadFile(n.hostPath)
	if err != nil {
		log.Fatalf("mkfatimg: reading %q: %v", n.hostPath, err)
	}
	copy(span, content)
}

func main() {
	var spc int
	var out string
	flag.IntVar(&spc, "spc", 1, "sectors per cluster")
	flag.StringVar(&out, "o", "", "output image path")
	flag.Parse()

	if out == "" || flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: mkfatimg -o <image> <source dir>")
		os.Exit(1)
	}
	srcDir := flag.Arg(0)

	root, err := buildTree(srcDir, "/")
	if err != nil {
		log.Fatalf("mkfatimg: walking %q: %v", srcDir, err)
	}
	if !root.isDir {
		log.Fatalf("mkfatimg: %q is not a directory", srcDir)
	}

	const numFATs = 1
	const reservedSectors = 1 // the EBPB's own sector
	const partitionStartSector = 1 // sector 0 is the MBR

	bytesPerCluster := spc * sectorSize
	computeSizes(root, bytesPerCluster)
	totalClusters := assignClusters(root)

	fatBytes := (totalClusters + 2) * 4
	sectorsPerFAT := (fatBytes + sectorSize - 1) / sectorSize

	dataStartSectorRel := reservedSectors + numFATs*sectorsPerFAT
	dataStartAbsSector := partitionStartSector + dataStartSectorRel
	partSectors := reservedSectors + numFATs*sectorsPerFAT + totalClusters*spc
	totalSectors := partitionStartSector + partSectors

	image := make([]byte, totalSectors*sectorSize)
	writeMBR(image, partitionStartSector, partSectors)
	writeEBPB(image, partitionStartSector, spc, reservedSectors, numFATs, sectorsPerFAT, partSectors, root.startCluster)

	fatRegion := image[(partitionStartSector+reservedSectors)*sectorSize : dataStartAbsSector*sectorSize]
	writeFATChain(fatRegion, root)

	writeTree(image, root, dataStartAbsSector, spc, bytesPerCluster)

	if err := os.WriteFile(out, image, 0o644); err != nil {
		log.Fatalf("mkfatimg: writing %q: %v", out, err)
	}
	fmt.Printf("mkfatimg: wrote %d sectors (%d data clusters) to %s\n", totalSectors, totalClusters, out)
}
