package fat32

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"armkernel/internal/util"
)

// dirEntrySize is the on-disk size of one directory entry record.
const dirEntrySize = 32

// Dir is a directory: a cluster chain of 32-byte entry records.
type Dir struct {
	fs           *FileSystem
	startCluster Cluster
	metadata     Metadata
}

// Name returns the directory's own name.
func (d *Dir) Name() string { return d.metadata.Name }

// Entry is either a *Dir or a *File.
type Entry struct {
	Dir  *Dir
	File *File
}

func (e Entry) Name() string {
	if e.Dir != nil {
		return e.Dir.Name()
	}
	return e.File.Name()
}

var utf16leDecoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()

// decodeLFNChars assembles the 13 UTF-16LE code units of one LFN entry
// record from its three disjoint ranges (split by the attribute/type/
// checksum and reserved bytes in the middle of the record) and decodes
// them to UTF-8, stopping at the first NUL or 0xFFFF pad unit.
func decodeLFNChars(rec []byte) (string, bool) {
	var units []byte
	units = append(units, rec[1:11]...)  // name_chars_1: 5 units
	units = append(units, rec[14:26]...) // name_chars_2: 6 units
	units = append(units, rec[28:32]...) // name_chars_3: 2 units

	var le []byte
	for i := 0; i < 13; i++ {
		lo, hi := units[i*2], units[i*2+1]
		if lo == 0 && hi == 0 {
			break
		}
		if lo == 0xFF && hi == 0xFF {
			break
		}
		le = append(le, lo, hi)
	}
	terminated := len(le) < 26
	out, err := utf16leDecoder.Bytes(le)
	if err != nil {
		return "", false
	}
	return string(out), terminated
}

// Entries reads and decodes every live entry in the directory, in
// on-disk order, reassembling VFAT long filenames from their preceding
// LFN records.
func (d *Dir) Entries() ([]Entry, error) {
	raw, err := d.fs.readChain(d.startCluster)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	var lfnParts []string // indexed by LFN sequence number - 1, whatever the on-disk order

	flushLFN := func() string {
		if len(lfnParts) == 0 {
			return ""
		}
		// LFN entries are stored highest-sequence-number first on disk,
		// but sequence number 1 holds the first 13 characters of the
		// name, so the name itself reassembles in ascending order.
		var b strings.Builder
		for i := 0; i < len(lfnParts); i++ {
			b.WriteString(lfnParts[i])
		}
		lfnParts = nil
		return b.String()
	}

	for off := 0; off+dirEntrySize <= len(raw); off += dirEntrySize {
		rec := raw[off : off+dirEntrySize]
		status := rec[0]
		if status == 0x00 {
			break // end of directory
		}
		if status == 0xE5 {
			lfnParts = nil
			continue // deleted
		}

		attr := Attributes(rec[11])
		if attr.IsLFN() {
			seq := rec[0] & 0x1F
			text, _ := decodeLFNChars(rec)
			idx := int(seq) - 1
			for len(lfnParts) <= idx {
				lfnParts = append(lfnParts, "")
			}
			if idx >= 0 {
				lfnParts[idx] = text
			}
			continue
		}

		name := flushLFN()
		if name == "" {
			name = shortName(rec)
		}

		meta := Metadata{
			Name:       name,
			Attributes: attr,
			Created: Timestamp{
				Date: Date(util.Readn(rec, 2, 16)),
				Time: Time(util.Readn(rec, 2, 14)),
			},
			Accessed: Timestamp{Date: Date(util.Readn(rec, 2, 18))},
			Modified: Timestamp{
				Date: Date(util.Readn(rec, 2, 24)),
				Time: Time(util.Readn(rec, 2, 22)),
			},
			Size:         uint32(util.Readn(rec, 4, 28)),
			StartCluster: Cluster(uint32(util.Readn(rec, 2, 20))<<16 | uint32(util.Readn(rec, 2, 26))),
		}

		if attr.Directory() {
			entries = append(entries, Entry{Dir: &Dir{fs: d.fs, startCluster: meta.StartCluster, metadata: meta}})
		} else {
			entries = append(entries, Entry{File: &File{fs: d.fs, metadata: meta, startCluster: meta.StartCluster}})
		}
	}

	return entries, nil
}

// shortName decodes the 8.3 filename.extension fields of a regular
// directory entry record into "name.ext" (or just "name" with no dot if
// the extension is blank).
func shortName(rec []byte) string {
	name := strings.TrimRight(string(rec[0:8]), " ")
	if len(name) > 0 && name[0] == 0x05 {
		name = string(rune(0xE5)) + name[1:]
	}
	ext := strings.TrimRight(string(rec[8:11]), " ")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

// Find looks up name in d, case-insensitively.
func (d *Dir) Find(name string) (Entry, error) {
	entries, err := d.Entries()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name(), name) {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("fat32: entry %q not found: %w", name, ErrNotFound)
}
