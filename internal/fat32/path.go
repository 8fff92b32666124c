package fat32

import (
	"fmt"
	"strings"
)

// Open resolves a slash-separated absolute path from the root directory
// to an Entry. "." and ".." components are honored as RootDir/ParentDir.
// path must start with "/"; ".." at the root is an error — this engine
// has no notion of a current working directory to fall back to.
func (fs *FileSystem) Open(path string) (Entry, error) {
	if !strings.HasPrefix(path, "/") {
		return Entry{}, fmt.Errorf("fat32: %q is not absolute: %w", path, ErrInvalidInput)
	}

	stack := []Entry{{Dir: fs.Root()}}

	for _, comp := range strings.Split(path, "/") {
		switch comp {
		case "", ".":
			continue
		case "..":
			if len(stack) <= 1 {
				return Entry{}, fmt.Errorf("fat32: %q: %w", path, ErrInvalidInput)
			}
			stack = stack[:len(stack)-1]
		default:
			top := stack[len(stack)-1]
			if top.Dir == nil {
				return Entry{}, fmt.Errorf("fat32: %q is not a directory: %w", top.Name(), ErrNotFound)
			}
			next, err := top.Dir.Find(comp)
			if err != nil {
				return Entry{}, err
			}
			stack = append(stack, next)
		}
	}

	return stack[len(stack)-1], nil
}
