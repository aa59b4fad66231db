package shm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/quarzos/portkit/port"
	"github.com/quarzos/portkit/porttest"
)

func TestSurfaceLifecycle(t *testing.T) {
	s, err := NewSurface("frame", 4096)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "frame", s.Name())
	assert.Equal(t, 4096, s.Size())
	assert.Len(t, s.Bytes(), 4096)
	assert.GreaterOrEqual(t, s.Fd(), 0)

	zeroSum := s.Checksum()
	copy(s.Bytes(), "scanline")
	assert.NotEqual(t, zeroSum, s.Checksum())
	assert.Equal(t, xxhash.Sum64(s.Bytes()), s.Checksum())
}

func TestSurfaceSharedMapping(t *testing.T) {
	s1, err := NewSurface("shared", 1024)
	require.NoError(t, err)
	defer s1.Close()

	dupFd, err := unix.Dup(s1.Fd())
	require.NoError(t, err)
	s2, err := FromFile(os.NewFile(uintptr(dupFd), "dup"))
	require.NoError(t, err)
	defer s2.Close()

	copy(s1.Bytes(), "written on one side")
	assert.Equal(t, s1.Checksum(), s2.Checksum())
	assert.Equal(t, "written", string(s2.Bytes()[:7]))
}

func TestSurfaceCloseIdempotent(t *testing.T) {
	s, err := NewSurface("gone", 64)
	require.NoError(t, err)
	fd := s.Fd()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Nil(t, s.Bytes())
	assert.Equal(t, -1, s.Fd())
	assert.Zero(t, s.Checksum())

	_, err = unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	assert.Error(t, err)
}

func TestSurfaceSealFixesSize(t *testing.T) {
	s, err := NewSurface("sealed", 4096)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Seal())
	assert.Error(t, unix.Ftruncate(s.Fd(), 8192))
}

func TestSurfaceSizeValidation(t *testing.T) {
	_, err := NewSurface("bad", 0)
	assert.Error(t, err)
	_, err = NewSurface("bad", -5)
	assert.Error(t, err)
}

func TestSurfaceRoundTripThroughSocket(t *testing.T) {
	srv, err := porttest.Listen(filepath.Join(t.TempDir(), "gpu.port"))
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	sums := make(chan uint64, 1)
	srv.Handle("fill", func(_ *porttest.Conn, req porttest.Request) porttest.Response {
		if len(req.Files) != 1 {
			sums <- 0
			return porttest.Response{Payload: map[string]any{"ok": false}}
		}
		peer, ferr := FromFile(req.Files[0])
		if ferr != nil {
			sums <- 0
			return porttest.Response{Payload: map[string]any{"ok": false}}
		}
		defer peer.Close()
		buf := peer.Bytes()
		for i := range buf {
			buf[i] = byte(i)
		}
		sums <- peer.Checksum()
		return porttest.Response{Payload: map[string]any{"ok": true}}
	})

	c, err := port.Dial(srv.Path(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	local, err := NewSurface("frame", 1<<16)
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	_, err = c.Request(context.Background(), map[string]any{"op": "fill"}, []string{"surface"}, []*os.File{local.File()})
	require.NoError(t, err)

	// The peer wrote through the shared pages; this mapping sees it.
	assert.Equal(t, <-sums, local.Checksum())
	assert.Equal(t, byte(7), local.Bytes()[7])
}
