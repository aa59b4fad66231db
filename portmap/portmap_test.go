package portmap

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEnvDirWins(t *testing.T) {
	t.Setenv(EnvPortDir, "/custom/dir")

	path, err := Resolve("display")
	require.NoError(t, err)
	assert.Equal(t, "/custom/dir/display.port", path)
}

func TestResolveOverridesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "ports.toml")
	require.NoError(t, os.WriteFile(file, []byte("[services]\naudio = \"/elsewhere/audio.sock\"\n"), 0o644))

	t.Setenv(EnvPortDir, "")
	t.Setenv(EnvPortsFile, file)
	t.Setenv("XDG_RUNTIME_DIR", dir)

	path, err := Resolve("audio")
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere/audio.sock", path)

	// Services without an entry fall through to the runtime directory.
	path, err = Resolve("gpu")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "quarz", "gpu.port"), path)
}

func TestResolveRuntimeDir(t *testing.T) {
	t.Setenv(EnvPortDir, "")
	t.Setenv(EnvPortsFile, filepath.Join(t.TempDir(), "absent.toml"))
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	path, err := Resolve("display")
	require.NoError(t, err)
	assert.Equal(t, "/run/user/1000/quarz/display.port", path)
}

func TestResolveBadNames(t *testing.T) {
	for _, name := range []string{"", "a/b", ".", "..", "x\x00y"} {
		_, err := Resolve(name)
		assert.ErrorIs(t, err, ErrInvalidService, "name %q", name)
	}
}

func TestResolveBrokenOverridesIgnored(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ports.toml")
	require.NoError(t, os.WriteFile(file, []byte("not [valid toml"), 0o644))

	t.Setenv(EnvPortDir, "")
	t.Setenv(EnvPortsFile, file)
	t.Setenv("XDG_RUNTIME_DIR", "/rt")

	path, err := Resolve("display")
	require.NoError(t, err)
	assert.Equal(t, "/rt/quarz/display.port", path)
}

func TestWaitForPortAlreadyBound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.port")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, WaitForPort(ctx, path))
}

func TestWaitForPortLateBind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.port")

	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errc <- WaitForPort(ctx, path)
	}()

	time.Sleep(100 * time.Millisecond)
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer l.Close()

	select {
	case werr := <-errc:
		require.NoError(t, werr)
	case <-time.After(5 * time.Second):
		t.Fatal("socket never observed")
	}
}

func TestWaitForPortMissingDirPolls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "svc.port")

	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errc <- WaitForPort(ctx, path)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer l.Close()

	select {
	case werr := <-errc:
		require.NoError(t, werr)
	case <-time.After(5 * time.Second):
		t.Fatal("socket never observed")
	}
}

func TestWaitForPortContextEnds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.port")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := WaitForPort(ctx, path)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
