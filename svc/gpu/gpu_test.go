package gpu

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarzos/portkit/port"
	"github.com/quarzos/portkit/porttest"
	"github.com/quarzos/portkit/shm"
)

func newClient(t *testing.T) (*porttest.Server, *Client) {
	t.Helper()
	srv, err := porttest.Listen(filepath.Join(t.TempDir(), "gpu.port"))
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	c, err := port.Dial(srv.Path(), nil)
	require.NoError(t, err)
	g := New(c)
	t.Cleanup(func() { g.Close() })
	return srv, g
}

func TestSubmitCopperRoundTripsProgram(t *testing.T) {
	srv, g := newClient(t)

	programs := make(chan []byte, 1)
	srv.Handle("copper_submit", func(_ *porttest.Conn, req porttest.Request) porttest.Response {
		var args struct {
			Program []byte `json:"program"`
		}
		_ = json.Unmarshal(req.Payload, &args)
		programs <- args.Program
		return porttest.Response{Payload: map[string]any{"job": 3}}
	})

	prog := []byte{0x01, 0x80, 0xfe, 0xff, 0x00, 0x2c}
	job, err := g.SubmitCopper(context.Background(), prog)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), job)
	assert.Equal(t, prog, <-programs)
}

func TestBlitSendsBothSurfaces(t *testing.T) {
	srv, g := newClient(t)

	type seen struct {
		refs  []string
		files int
		op    BlitOp
	}
	calls := make(chan seen, 1)
	srv.Handle("blit", func(_ *porttest.Conn, req porttest.Request) porttest.Response {
		var args struct {
			Blit BlitOp `json:"blit"`
		}
		_ = json.Unmarshal(req.Payload, &args)
		for _, f := range req.Files {
			f.Close()
		}
		calls <- seen{refs: req.Refs, files: len(req.Files), op: args.Blit}
		return porttest.Response{Payload: map[string]any{"job": 9}}
	})

	src, err := shm.NewSurface("src", 4096)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	dst, err := shm.NewSurface("dst", 4096)
	require.NoError(t, err)
	t.Cleanup(func() { dst.Close() })

	op := BlitOp{SrcX: 0, SrcY: 8, DstX: 16, DstY: 0, Width: 64, Rows: 32, Pitch: 128}
	job, err := g.Blit(context.Background(), src, dst, op)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), job)

	got := <-calls
	assert.Equal(t, []string{"src", "dst"}, got.refs)
	assert.Equal(t, 2, got.files)
	assert.Equal(t, op, got.op)
}

func TestIRQEvents(t *testing.T) {
	srv, g := newClient(t)

	sub, err := g.OnIRQ()
	require.NoError(t, err)

	srv.Emit(TopicIRQ, map[string]any{"source": "copper", "job": 3})

	var got port.Event
	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			got = ev
		default:
		}
		if got.Topic != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no irq event arrived")
		}
		require.NoError(t, g.Port().PollOnce(20*time.Millisecond))
	}

	irq, err := DecodeIRQ(got)
	require.NoError(t, err)
	assert.Equal(t, IRQ{Source: "copper", Job: 3}, irq)
}
