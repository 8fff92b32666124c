package fat32

import "errors"

// Sentinel errors returned (wrapped) by path resolution and directory
// lookups, mirroring original_source's io::ErrorKind::{NotFound,
// InvalidInput} usage.
var (
	ErrNotFound     = errors.New("fat32: not found")
	ErrInvalidInput = errors.New("fat32: invalid input")
)
