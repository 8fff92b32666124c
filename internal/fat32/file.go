package fat32

import (
	"fmt"
	"io"
)

// File is an open, read-only handle onto a FAT32 file's cluster chain.
type File struct {
	fs            *FileSystem
	metadata      Metadata
	startCluster  Cluster
	currentOffset int64
}

// Name returns the file's resolved name.
func (f *File) Name() string { return f.metadata.Name }

// Size returns the file's length in bytes, as recorded in its directory
// entry.
func (f *File) Size() int64 { return int64(f.metadata.Size) }

// Metadata returns the file's directory-entry metadata.
func (f *File) Metadata() Metadata { return f.metadata }

// Read implements io.Reader, reading from the file's current offset and
// advancing it.
func (f *File) Read(buf []byte) (int, error) {
	remaining := f.Size() - f.currentOffset
	if remaining <= 0 {
		return 0, io.EOF
	}
	readSize := int64(len(buf))
	if readSize > remaining {
		readSize = remaining
	}

	f.fs.mu.Lock()
	var chainBuf []byte
	n, err := f.fs.readChainFromOffset(f.startCluster, int(f.currentOffset), &chainBuf)
	f.fs.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if int64(n) < readSize {
		readSize = int64(n)
	}

	copy(buf[:readSize], chainBuf[:readSize])
	f.currentOffset += readSize
	return int(readSize), nil
}

// Seek implements io.Seeker. A seek to exactly the end of the file is
// allowed; seeking before the start or beyond the end returns
// ErrInvalidInput.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	var newOffset int64
	switch whence {
	case io.SeekStart:
		if offset < 0 {
			return 0, fmt.Errorf("fat32: seek before start of file: %w", ErrInvalidInput)
		}
		if offset > f.Size() {
			return 0, fmt.Errorf("fat32: seek past end of file: %w", ErrInvalidInput)
		}
		newOffset = offset
	case io.SeekEnd:
		if f.Size()+offset < 0 {
			return 0, fmt.Errorf("fat32: seek before start of file: %w", ErrInvalidInput)
		}
		if offset > 0 {
			return 0, fmt.Errorf("fat32: seek past end of file: %w", ErrInvalidInput)
		}
		newOffset = f.Size() + offset
	case io.SeekCurrent:
		if f.currentOffset+offset < 0 {
			return 0, fmt.Errorf("fat32: seek before start of file: %w", ErrInvalidInput)
		}
		if f.currentOffset+offset > f.Size() {
			return 0, fmt.Errorf("fat32: seek past end of file: %w", ErrInvalidInput)
		}
		newOffset = f.currentOffset + offset
	default:
		return 0, fmt.Errorf("fat32: unknown whence %d: %w", whence, ErrInvalidInput)
	}

	f.currentOffset = newOffset
	return newOffset, nil
}
