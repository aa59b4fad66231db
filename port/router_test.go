package port

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/quarzos/portkit/fdpass"
	"github.com/quarzos/portkit/internal/logging"
	"github.com/quarzos/portkit/wire"
)

// makeDescriptors mints owned descriptors from fresh socketpair ends,
// named in order.
func makeDescriptors(t *testing.T, names ...string) []*fdpass.Descriptor {
	t.Helper()
	ch := fdpass.NewChannel()
	fds := make([]int, len(names))
	for i := range names {
		pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		unix.Close(pair[1])
		fds[i] = pair[0]
	}
	ch.Push(fds)
	ds, err := ch.Bind(names)
	require.NoError(t, err)
	return ds
}

func rawFd(t *testing.T, d *fdpass.Descriptor) int {
	t.Helper()
	fd, err := d.Raw()
	require.NoError(t, err)
	return fd
}

func fdIsOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

func testRouter(queueLen int) *router {
	return newRouter(queueLen, logging.Component("test"))
}

func eventPayload(t *testing.T, n int) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]int{"n": n})
	require.NoError(t, err)
	return raw
}

func payloadN(t *testing.T, ev Event) int {
	t.Helper()
	var m struct {
		N int `json:"n"`
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &m))
	return m.N
}

func TestRouterFanOutOldestGetsDescriptors(t *testing.T) {
	rt := testRouter(8)
	s1 := rt.subscribe([]string{"vsync"})
	s2 := rt.subscribe([]string{"vsync", "stats"})

	ds := makeDescriptors(t, "buf")
	env := wire.NewEvent("vsync", json.RawMessage(`{"frame":7}`))
	env.FdRefs = []string{"buf"}
	rt.route(env, ds)

	ev1 := <-s1.Events()
	ev2 := <-s2.Events()
	require.Len(t, ev1.Files, 1)
	assert.Equal(t, "buf", ev1.Files[0].Name())
	assert.Empty(t, ev2.Files)
	assert.JSONEq(t, `{"frame":7}`, string(ev1.Payload))
	assert.JSONEq(t, `{"frame":7}`, string(ev2.Payload))
	fdpass.CloseAll(ev1.Files)

	rt.route(wire.NewEvent("stats", json.RawMessage(`{}`)), nil)
	select {
	case ev := <-s2.Events():
		assert.Equal(t, "stats", ev.Topic)
	default:
		t.Fatal("stats event not delivered")
	}
	select {
	case ev := <-s1.Events():
		t.Fatalf("unexpected event %q on vsync-only subscription", ev.Topic)
	default:
	}
}

func TestRouterOverflowDropsOldest(t *testing.T) {
	rt := testRouter(3)
	s := rt.subscribe([]string{"tick"})

	for i := 0; i < 8; i++ {
		rt.route(wire.NewEvent("tick", eventPayload(t, i)), nil)
	}
	assert.Equal(t, uint64(5), s.Dropped())

	var got []int
	for done := false; !done; {
		select {
		case ev := <-s.Events():
			got = append(got, payloadN(t, ev))
		default:
			done = true
		}
	}
	assert.Equal(t, []int{5, 6, 7}, got)
}

func TestRouterOverflowClosesEvictedDescriptors(t *testing.T) {
	rt := testRouter(1)
	s := rt.subscribe([]string{"buf"})

	first := makeDescriptors(t, "a")
	firstFd := rawFd(t, first[0])
	second := makeDescriptors(t, "b")
	secondFd := rawFd(t, second[0])

	rt.route(wire.NewEvent("buf", eventPayload(t, 1)), first)
	rt.route(wire.NewEvent("buf", eventPayload(t, 2)), second)

	assert.Equal(t, uint64(1), s.Dropped())
	assert.False(t, fdIsOpen(firstFd))
	assert.True(t, fdIsOpen(secondFd))

	ev := <-s.Events()
	assert.Equal(t, 2, payloadN(t, ev))
	fdpass.CloseAll(ev.Files)
}

func TestRouterNoSubscriberClosesDescriptors(t *testing.T) {
	rt := testRouter(4)
	rt.subscribe([]string{"other"})

	ds := makeDescriptors(t, "x")
	fd := rawFd(t, ds[0])
	rt.route(wire.NewEvent("orphan", eventPayload(t, 1)), ds)
	assert.False(t, fdIsOpen(fd))
}

func TestRouterUnknownResponseDiscarded(t *testing.T) {
	rt := testRouter(4)
	s := rt.subscribe([]string{"tick"})

	ds := makeDescriptors(t, "x")
	fd := rawFd(t, ds[0])
	rt.route(wire.NewResponse(99, eventPayload(t, 1)), ds)

	assert.False(t, fdIsOpen(fd))
	select {
	case ev := <-s.Events():
		t.Fatalf("response leaked to subscription as %q", ev.Topic)
	default:
	}
}

func TestRouterUnsubscribeFlushes(t *testing.T) {
	rt := testRouter(4)
	s := rt.subscribe([]string{"tick"})

	ds := makeDescriptors(t, "x")
	fd := rawFd(t, ds[0])
	env := wire.NewEvent("tick", eventPayload(t, 1))
	env.FdRefs = []string{"x"}
	rt.route(env, ds)

	rt.unsubscribe(s)
	assert.False(t, fdIsOpen(fd))
	_, open := <-s.Events()
	assert.False(t, open)

	// Idempotent; later events route nowhere.
	rt.unsubscribe(s)
	rt.route(wire.NewEvent("tick", eventPayload(t, 2)), nil)
}

func TestRouterShutdownFlushesAll(t *testing.T) {
	rt := testRouter(4)
	s1 := rt.subscribe([]string{"a"})
	s2 := rt.subscribe([]string{"b"})

	ds := makeDescriptors(t, "x")
	fd := rawFd(t, ds[0])
	env := wire.NewEvent("a", eventPayload(t, 1))
	env.FdRefs = []string{"x"}
	rt.route(env, ds)

	rt.shutdown()
	assert.False(t, fdIsOpen(fd))
	_, open := <-s1.Events()
	assert.False(t, open)
	_, open = <-s2.Events()
	assert.False(t, open)
}
