package sendfile

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/fast-static/core/http"
)

// newRoot builds a document root:
//
//	index.html   0644
//	empty.txt    0644 (zero bytes)
//	secret.txt   0600
//	sub/         0755
//	sub/a.txt    0644
//	fifo         0644 named pipe
func newRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.Chmod(root, 0o755))

	write := func(name, data string, mode os.FileMode) {
		p := filepath.Join(root, name)
		require.NoError(t, os.WriteFile(p, []byte(data), mode))
		require.NoError(t, os.Chmod(p, mode))
	}
	write("index.html", "<h1>hello</h1>\n", 0o644)
	write("empty.txt", "", 0o644)
	write("secret.txt", "top secret", 0o600)
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.Chmod(filepath.Join(root, "sub"), 0o755))
	write("sub/a.txt", "aaa", 0o644)
	require.NoError(t, syscall.Mkfifo(filepath.Join(root, "fifo"), 0o644))
	return root
}

func TestResolve(t *testing.T) {
	root := newRoot(t)
	r, err := NewResolver(root, 1024)
	require.NoError(t, err)

	tests := []struct {
		target string
		code   http.Code
		size   int64
	}{
		{"/index.html", http.FileRequest, 15},
		{"/index.html?v=1", http.FileRequest, 15},
		{"/index.html#top", http.FileRequest, 15},
		{"/empty.txt", http.FileRequest, 0},
		{"/sub/a.txt", http.FileRequest, 3},
		{"/sub/../index.html", http.FileRequest, 15},
		{"//sub/./a.txt", http.FileRequest, 3},
		{"/nope", http.NoResource, 0},
		{"/secret.txt", http.ForbiddenRequest, 0},
		{"/", http.DirRequest, 0},
		{"/sub", http.DirRequest, 0},
		{"/sub/", http.DirRequest, 0},
		{"/fifo", http.ForbiddenRequest, 0},
		{"/../etc/passwd", http.ForbiddenRequest, 0},
		{"/sub/../../index.html", http.ForbiddenRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			res := r.Resolve([]byte(tt.target))
			assert.Equal(t, tt.code, res.Code)
			if tt.code == http.FileRequest {
				assert.Equal(t, tt.size, res.Size)
				assert.True(t, strings.HasPrefix(res.Path, r.Root()))
			}
		})
	}
}

func TestResolveSymlinks(t *testing.T) {
	outside := t.TempDir()
	require.NoError(t, os.Chmod(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "leak.txt"), []byte("leak"), 0o644))
	require.NoError(t, os.Chmod(filepath.Join(outside, "leak.txt"), 0o644))

	root := newRoot(t)
	require.NoError(t, os.Symlink(filepath.Join(outside, "leak.txt"), filepath.Join(root, "leak.txt")))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "out")))
	require.NoError(t, os.Symlink("index.html", filepath.Join(root, "home.html")))
	require.NoError(t, os.Symlink("sub", filepath.Join(root, "alias")))

	r, err := NewResolver(root, 1024)
	require.NoError(t, err)

	assert.Equal(t, http.ForbiddenRequest, r.Resolve([]byte("/leak.txt")).Code)
	assert.Equal(t, http.ForbiddenRequest, r.Resolve([]byte("/out/leak.txt")).Code)
	assert.Equal(t, http.ForbiddenRequest, r.Resolve([]byte("/out")).Code)

	res := r.Resolve([]byte("/home.html"))
	assert.Equal(t, http.FileRequest, res.Code)
	assert.Equal(t, int64(15), res.Size)
	assert.Equal(t, http.FileRequest, r.Resolve([]byte("/alias/a.txt")).Code)
}

func TestNewResolverFollowsRootSymlink(t *testing.T) {
	root := newRoot(t)
	link := filepath.Join(t.TempDir(), "www")
	require.NoError(t, os.Symlink(root, link))

	r, err := NewResolver(link, 1024)
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, resolved, r.Root())
	assert.Equal(t, http.FileRequest, r.Resolve([]byte("/index.html")).Code)
}

func TestResolvePathTooLong(t *testing.T) {
	root, err := filepath.EvalSymlinks(newRoot(t))
	require.NoError(t, err)
	r, err := NewResolver(root, len(root)+len("/sub"))
	require.NoError(t, err)

	assert.Equal(t, http.DirRequest, r.Resolve([]byte("/sub")).Code)
	assert.Equal(t, http.BadRequest, r.Resolve([]byte("/index.html")).Code)
}

func TestNewResolverRejectsFile(t *testing.T) {
	root := newRoot(t)
	_, err := NewResolver(filepath.Join(root, "index.html"), 1024)
	assert.ErrorIs(t, err, ErrNotDirectory)

	_, err = NewResolver(filepath.Join(root, "missing"), 1024)
	assert.Error(t, err)
}

func TestMapping(t *testing.T) {
	root := newRoot(t)
	var m Mapping

	require.NoError(t, m.Map(filepath.Join(root, "index.html"), 15))
	assert.True(t, m.Mapped())
	assert.Equal(t, "<h1>hello</h1>\n", string(m.Bytes()))

	assert.Error(t, m.Map(filepath.Join(root, "index.html"), 15))

	require.NoError(t, m.Release())
	assert.False(t, m.Mapped())
	assert.Nil(t, m.Bytes())

	// releasing again is a no-op
	assert.NoError(t, m.Release())
	assert.NoError(t, m.Release())
}

func TestMappingEmptyFile(t *testing.T) {
	root := newRoot(t)
	var m Mapping
	require.NoError(t, m.Map(filepath.Join(root, "empty.txt"), 0))
	assert.False(t, m.Mapped())
	assert.NoError(t, m.Release())
}

func TestMappingMissingFile(t *testing.T) {
	var m Mapping
	assert.Error(t, m.Map("/definitely/not/here", 10))
	assert.False(t, m.Mapped())
	assert.NoError(t, m.Release())
}
