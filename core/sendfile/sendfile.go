// Package sendfile maps request targets onto files under a document root
// and exposes file contents as memory-mapped regions for zero-copy sends.
package sendfile

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/searchktools/fast-static/core/http"
)

var (
	// ErrNotDirectory is returned when the document root is not a directory.
	ErrNotDirectory = errors.New("sendfile: document root is not a directory")
)

// Resolution is the outcome of resolving a request target.
type Resolution struct {
	Code http.Code
	Path string
	Size int64
}

// Resolver resolves request targets against a document root.
type Resolver struct {
	root    string
	maxPath int
}

// NewResolver creates a resolver for root. Resolved paths longer than
// maxPath bytes are rejected.
func NewResolver(root string, maxPath int) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sendfile: resolve root %q: %w", root, err)
	}
	if abs, err = filepath.EvalSymlinks(abs); err != nil {
		return nil, fmt.Errorf("sendfile: resolve root %q: %w", root, err)
	}
	var st unix.Stat_t
	if err := unix.Stat(abs, &st); err != nil {
		return nil, fmt.Errorf("sendfile: stat root %q: %w", abs, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}
	return &Resolver{root: abs, maxPath: maxPath}, nil
}

// Root returns the absolute document root with symlinks resolved.
func (r *Resolver) Root() string { return r.root }

// Resolve maps target to a file under the root.
//
//	stat fails                     NoResource
//	not world-readable             ForbiddenRequest
//	directory                      DirRequest
//	not a regular file             ForbiddenRequest
//	escapes the root via ".."      ForbiddenRequest
//	symlink leading out of root    ForbiddenRequest
//	resolved path too long         BadRequest
func (r *Resolver) Resolve(target []byte) Resolution {
	t := string(target)
	if i := strings.IndexAny(t, "?#"); i >= 0 {
		t = t[:i]
	}

	rel, ok := contain(t)
	if !ok {
		return Resolution{Code: http.ForbiddenRequest}
	}

	full := r.root
	if rel != "" {
		full = r.root + "/" + rel
	}
	if r.maxPath > 0 && len(full) > r.maxPath {
		return Resolution{Code: http.BadRequest}
	}

	var st unix.Stat_t
	if err := unix.Stat(full, &st); err != nil {
		return Resolution{Code: http.NoResource, Path: full}
	}
	if st.Mode&unix.S_IROTH == 0 || !r.within(full) {
		return Resolution{Code: http.ForbiddenRequest, Path: full}
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return Resolution{Code: http.DirRequest, Path: full}
	case unix.S_IFREG:
		return Resolution{Code: http.FileRequest, Path: full, Size: st.Size}
	default:
		return Resolution{Code: http.ForbiddenRequest, Path: full}
	}
}

// within reports whether path, with symlinks resolved, is still under
// the root.
func (r *Resolver) within(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	if resolved == r.root || r.root == "/" {
		return true
	}
	return strings.HasPrefix(resolved, r.root+"/")
}

// contain cleans a slash-separated target into a root-relative path.
// It reports false if a ".." segment climbs above the root.
func contain(target string) (string, bool) {
	var segs []string
	for _, seg := range strings.Split(target, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(segs) == 0 {
				return "", false
			}
			segs = segs[:len(segs)-1]
		default:
			segs = append(segs, seg)
		}
	}
	return strings.Join(segs, "/"), true
}

// Mapping is a read-only memory-mapped file region.
// The zero value holds nothing; Release is safe to call any number of times.
type Mapping struct {
	data []byte
}

// Map maps the first size bytes of the file at path. A zero size maps
// nothing and succeeds.
func (m *Mapping) Map(path string, size int64) error {
	if m.data != nil {
		return errors.New("sendfile: mapping already held")
	}
	if size == 0 {
		return nil
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("sendfile: open %s: %w", path, err)
	}
	defer unix.Close(fd)

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("sendfile: mmap %s: %w", path, err)
	}
	m.data = data
	return nil
}

// Bytes returns the mapped region, nil when nothing is mapped.
func (m *Mapping) Bytes() []byte { return m.data }

// Mapped reports whether a region is held.
func (m *Mapping) Mapped() bool { return m.data != nil }

// Release unmaps the region. Releasing an empty mapping is a no-op.
func (m *Mapping) Release() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("sendfile: munmap: %w", err)
	}
	return nil
}
