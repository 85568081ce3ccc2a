//go:build cgo && cgofuse

package mount

import (
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/winfsp/cgofuse/fuse"
)

func TestCgoErrno(t *testing.T) {
	require.Equal(t, 0, cgoErrno(0))
	require.Equal(t, -fuse.ENOENT, cgoErrno(syscall.ENOENT))
	require.Equal(t, -fuse.EACCES, cgoErrno(syscall.EACCES))
	require.Equal(t, -fuse.EFBIG, cgoErrno(syscall.EFBIG))
	require.Equal(t, -fuse.ENODATA, cgoErrno(ENOATTR))
	require.Equal(t, -fuse.EIO, cgoErrno(syscall.EPIPE))
}

func TestCgoFuseBackend_Callbacks(t *testing.T) {
	a, store := newTestAdapter(t)
	b := NewCgoFuseBackend(a, Config{MountPoint: t.TempDir()})

	var st fuse.Stat_t
	require.Equal(t, 0, b.Getattr("/Notes", &st, ^uint64(0)))
	require.Equal(t, uint32(fuse.S_IFDIR), st.Mode&fuse.S_IFMT)
	require.Equal(t, -fuse.ENOENT, b.Getattr("/Missing", &st, ^uint64(0)))

	var names []string
	rc := b.Readdir("/Notes", func(name string, _ *fuse.Stat_t, _ int64) bool {
		names = append(names, name)
		return true
	}, 0, 0)
	require.Equal(t, 0, rc)
	require.Equal(t, []string{".", "..", "Todo.pdf"}, names)

	rc, fh := b.Open("/Notes/Todo.pdf", os.O_RDONLY)
	require.Equal(t, 0, rc)
	buf := make([]byte, 16)
	require.Equal(t, 5, b.Read("/Notes/Todo.pdf", buf, 0, fh))
	require.Equal(t, "hello", string(buf[:5]))
	require.Equal(t, 0, b.Release("/Notes/Todo.pdf", fh))

	rc, _ = b.Open("/Notes/Todo.pdf", os.O_WRONLY)
	require.Equal(t, -fuse.EACCES, rc)

	rc, fh = b.Create("/Notes/New.pdf", os.O_WRONLY|os.O_CREATE, 0644)
	require.Equal(t, 0, rc)
	require.Equal(t, 3, b.Write("/Notes/New.pdf", []byte("abc"), 0, fh))
	require.Equal(t, 0, b.Flush("/Notes/New.pdf", fh))
	require.Equal(t, 0, b.Release("/Notes/New.pdf", fh))
	require.Equal(t, 1, store.uploads)
	require.Zero(t, a.OpenHandles())

	require.Equal(t, "-o fsname=rmwebfs -o subtype=rmwebfs -o ro -d",
		strings.Join(NewCgoFuseBackend(a, Config{Options: []string{"ro", "debug"}}).mountArgs(), " "))
}
