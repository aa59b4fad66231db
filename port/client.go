package port

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/quarzos/portkit/fdpass"
	"github.com/quarzos/portkit/internal/logging"
	"github.com/quarzos/portkit/portmap"
	"github.com/quarzos/portkit/wire"
)

// ConnState is the lifecycle position of a connection. Only the handle
// itself moves it forward; it never moves backward.
type ConnState int32

const (
	// StateConnecting covers dial and handshake.
	StateConnecting ConnState = iota
	// StateOpen accepts requests and subscriptions.
	StateOpen
	// StateDraining is the short teardown window where pending work is
	// being failed and parked descriptors closed.
	StateDraining
	// StateClosed is terminal.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Result is the outcome of a completed request: the reply payload and
// any descriptors the service attached. The caller owns the
// descriptors and must close or consume each one.
type Result struct {
	Payload json.RawMessage
	Files   []*fdpass.Descriptor
}

// pollTick bounds how long a blocking wait sits in a single read
// before rechecking context cancellation and request deadlines.
const pollTick = 100 * time.Millisecond

// Client is a connection to one port service. It is a single-owner
// handle: exactly one goroutine may operate it at a time. A second
// goroutine entering concurrently gets ErrConcurrentUse instead of a
// data race. State may be observed from anywhere; Subscription queues
// may be drained from anywhere.
type Client struct {
	cfg  *Config
	path string
	id   string

	tr  *transport
	fr  *wire.Framer
	fds *fdpass.Channel
	cor *correlator
	rt  *router
	log logging.Logger

	state atomic.Int32
	busy  atomic.Bool

	// fatal is the sticky error returned by every operation after
	// teardown. Guarded by the busy latch.
	fatal error

	serverVersion int
}

// Dial connects to the socket at path and runs the handshake. A nil
// cfg uses DefaultConfig.
func Dial(path string, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:  cfg,
		path: path,
		id:   newInstanceID(),
		fr:   wire.NewFramer(cfg.MaxLineBytes),
		fds:  fdpass.NewChannel(),
		log:  logging.Component("port").With("socket", path),
	}
	c.cor = newCorrelator(c.log)
	c.rt = newRouter(cfg.EventQueueLen, c.log)
	c.state.Store(int32(StateConnecting))

	tr, err := dialPort(path, cfg.DialTimeout, c.log)
	if err != nil {
		c.state.Store(int32(StateClosed))
		c.fatal = err
		return nil, err
	}
	c.tr = tr

	if !cfg.SkipHello {
		if err := c.hello(); err != nil {
			c.teardown(err)
			return nil, err
		}
	}
	c.state.Store(int32(StateOpen))
	c.log.Debug("connected: instance %s, server protocol %d", c.id, c.serverVersion)
	return c, nil
}

// DialService resolves a service name through the port map and dials
// the resulting socket.
func DialService(service string, cfg *Config) (*Client, error) {
	path, err := portmap.Resolve(service)
	if err != nil {
		return nil, err
	}
	return Dial(path, cfg)
}

// Close tears the connection down: pending requests fail with a
// ConnClosed cause, subscription queues are flushed and closed, parked
// descriptors are released and the socket is closed. Closing a closed
// handle is a no-op.
func (c *Client) Close() error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()
	if c.State() == StateClosed {
		return nil
	}
	c.teardown(nil)
	return nil
}

// State may be called from any goroutine.
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

// InstanceID returns the identity this connection reported in its
// handshake.
func (c *Client) InstanceID() string { return c.id }

// ServerVersion returns the protocol version the service reported, or
// zero when the handshake was skipped.
func (c *Client) ServerVersion() int { return c.serverVersion }

// Readiness returns a file descriptor that polls readable whenever the
// connection has data to drain. Wire it into an external event loop
// and call PollOnce when it fires. The descriptor belongs to the
// handle and stays valid until Close.
func (c *Client) Readiness() (int, error) {
	if err := c.enter(); err != nil {
		return -1, err
	}
	defer c.leave()
	if c.State() != StateOpen {
		return -1, c.closedErr()
	}
	return c.tr.readiness(), nil
}

// Request sends payload and blocks until the reply, the context or the
// deadline. The effective deadline is the earlier of ctx's and the
// configured RequestTimeout. Expiry cancels the request and returns a
// TimeoutError; the connection stays open and a late reply is
// discarded when it eventually arrives.
//
// fdRefs and files declare outgoing descriptors: len(fdRefs) must
// equal len(files), and the service sees them under those names in
// order. The caller keeps ownership of files.
func (c *Client) Request(ctx context.Context, payload any, fdRefs []string, files []*os.File) (Result, error) {
	if err := c.enter(); err != nil {
		return Result{}, err
	}
	defer c.leave()
	if c.State() != StateOpen {
		return Result{}, c.closedErr()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	deadline := c.defaultDeadline()
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	p, err := c.submit(payload, fdRefs, files, deadline)
	if err != nil {
		return Result{}, err
	}
	return c.await(ctx, p)
}

// Submit sends payload without waiting for the reply, so several
// requests can be pipelined on one connection. The returned Pending
// resolves during any later Wait, Request or PollOnce call. It carries
// the configured RequestTimeout as its deadline.
func (c *Client) Submit(payload any, fdRefs []string, files []*os.File) (*Pending, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.leave()
	if c.State() != StateOpen {
		return nil, c.closedErr()
	}
	return c.submit(payload, fdRefs, files, c.defaultDeadline())
}

// Wait blocks until p resolves, driving the connection's read side
// while it does. Cancelling ctx abandons the request without affecting
// the connection.
func (c *Client) Wait(ctx context.Context, p *Pending) (Result, error) {
	if err := c.enter(); err != nil {
		return Result{}, err
	}
	defer c.leave()
	if p == nil {
		return Result{}, &ArgumentError{Reason: "nil pending"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return c.await(ctx, p)
}

// Cancel abandons a pending request. Its id stays burned: a late reply
// is recognized and discarded, never delivered elsewhere. Cancelling a
// resolved or nil request is a no-op.
func (c *Client) Cancel(p *Pending) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()
	if p == nil || p.Done() {
		return nil
	}
	c.cor.cancel(p.id, ErrCancelled)
	return nil
}

// PollOnce drains whatever input is ready, resolving pending requests
// and queueing events, and returns without blocking longer than
// maxWait. maxWait <= 0 returns immediately when nothing is ready.
// Expired request deadlines are collected here too, so a poll-driven
// caller needs no other timer.
func (c *Client) PollOnce(maxWait time.Duration) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()
	if c.State() != StateOpen {
		return c.closedErr()
	}

	c.cor.expire(time.Now())
	ready, err := c.tr.pollIn(maxWait)
	if err != nil {
		c.teardown(err)
		return err
	}
	if !ready {
		return nil
	}
	// The poll reported data; the short deadline only guards against a
	// peer racing us with a close.
	if err := c.drainOnce(time.Now().Add(pollTick)); err != nil {
		c.teardown(err)
		return err
	}
	return nil
}

// Subscribe registers a bounded queue for the given topics. Topics
// match exactly; there are no wildcards.
func (c *Client) Subscribe(topics ...string) (*Subscription, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.leave()
	if c.State() != StateOpen {
		return nil, c.closedErr()
	}
	if len(topics) == 0 {
		return nil, &ArgumentError{Reason: "subscription needs at least one topic"}
	}
	for _, t := range topics {
		if t == "" {
			return nil, &ArgumentError{Reason: "subscription topic must not be empty"}
		}
	}
	return c.rt.subscribe(topics), nil
}

// Unsubscribe detaches s, flushes its queue and closes it. Descriptors
// still parked in the queue are closed. Unsubscribing twice is a
// no-op.
func (c *Client) Unsubscribe(s *Subscription) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()
	if s == nil {
		return nil
	}
	c.rt.unsubscribe(s)
	return nil
}

// enter takes the single-owner latch.
func (c *Client) enter() error {
	if !c.busy.CompareAndSwap(false, true) {
		return ErrConcurrentUse
	}
	return nil
}

func (c *Client) leave() { c.busy.Store(false) }

func (c *Client) closedErr() error {
	if c.fatal != nil {
		return c.fatal
	}
	return &ConnError{Op: "use", Kind: ConnClosed}
}

func (c *Client) defaultDeadline() time.Time {
	if c.cfg.RequestTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.cfg.RequestTimeout)
}

type helloRequest struct {
	Op     string    `json:"op"`
	Client helloInfo `json:"client"`
}

type helloInfo struct {
	Name     string `json:"name"`
	Instance string `json:"instance"`
	Proto    int    `json:"proto"`
}

// hello runs the ping handshake as the connection's first exchange and
// records the protocol version the service reports. A version mismatch
// is logged, not fatal.
func (c *Client) hello() error {
	req := helloRequest{
		Op:     "ping",
		Client: helloInfo{Name: c.cfg.ClientName, Instance: c.id, Proto: ProtocolVersion},
	}
	p, err := c.submit(req, nil, nil, c.defaultDeadline())
	if err != nil {
		return err
	}
	res, err := c.await(context.Background(), p)
	if err != nil {
		return err
	}
	fdpass.CloseAll(res.Files)

	var ack struct {
		OK      bool `json:"ok"`
		Version int  `json:"version"`
	}
	if err := json.Unmarshal(res.Payload, &ack); err != nil {
		return &ProtoError{Fatal: true, Err: fmt.Errorf("handshake reply: %w", err)}
	}
	if !ack.OK {
		return &ProtoError{Fatal: true, Err: errors.New("handshake rejected")}
	}
	c.serverVersion = ack.Version
	if ack.Version != ProtocolVersion {
		c.log.Warn("service speaks protocol %d, this client %d; continuing", ack.Version, ProtocolVersion)
	}
	return nil
}

// submit validates, frames and writes one request. Argument problems
// surface before any byte is written and leave the connection intact;
// a write failure poisons the stream and tears the connection down.
func (c *Client) submit(payload any, fdRefs []string, files []*os.File, deadline time.Time) (*Pending, error) {
	if err := fdpass.CheckOutgoing(fdRefs, files); err != nil {
		return nil, &ArgumentError{Reason: err.Error()}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &ArgumentError{Reason: "payload not serializable: " + err.Error()}
	}

	p := c.cor.issue(deadline)
	line, err := c.fr.Encode(wire.NewRequest(p.id, raw, fdRefs))
	if err != nil {
		// Nothing was written, so no reply can arrive; the id is
		// simply burned.
		c.cor.drop(p.id)
		return nil, err
	}
	if err := c.tr.writeChunk(line, files, c.cfg.WriteTimeout); err != nil {
		c.teardown(err)
		return nil, err
	}
	c.log.Trace("sent request %d (%d bytes, %d fds)", p.id, len(line), len(files))
	return p, nil
}

// await drives reads until p resolves, the context ends or the
// connection dies. Each pass bounds the read by the nearest pending
// deadline so timeouts fire close to on time.
func (c *Client) await(ctx context.Context, p *Pending) (Result, error) {
	for {
		if p.Done() {
			return p.Result()
		}
		select {
		case <-ctx.Done():
			c.cor.cancel(p.id, ctx.Err())
			return Result{}, ctx.Err()
		default:
		}
		if s := c.State(); s == StateDraining || s == StateClosed {
			return Result{}, c.closedErr()
		}

		now := time.Now()
		c.cor.expire(now)
		if p.Done() {
			return p.Result()
		}
		deadline := now.Add(pollTick)
		if d := c.cor.nextDeadline(); !d.IsZero() && d.Before(deadline) {
			deadline = d
		}
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := c.drainOnce(deadline); err != nil {
			c.teardown(err)
			return Result{}, err
		}
	}
}

// drainOnce performs one read and dispatches every envelope it
// completes. A deadline expiry is a quiet return; anything else it
// returns is fatal for the connection.
func (c *Client) drainOnce(deadline time.Time) error {
	data, fds, err := c.tr.readChunk(deadline)
	if len(fds) > 0 {
		c.fds.Push(fds)
		c.log.Trace("received %d descriptor(s)", len(fds))
	}
	if len(data) > 0 {
		c.fr.Push(data)
	}
	if err != nil && !isDeadline(err) {
		return err
	}
	for {
		env, ferr := c.fr.Next()
		if ferr != nil {
			var fe *wire.FrameError
			if errors.As(ferr, &fe) && !fe.Fatal() {
				c.log.Warn("dropped malformed line: %v", fe)
				continue
			}
			return ferr
		}
		if env == nil {
			return nil
		}
		if derr := c.dispatch(env); derr != nil {
			return derr
		}
	}
}

// dispatch hands one envelope to its destination. Descriptor pairing
// happens first, even for envelopes that later turn out invalid, so
// the arrival queue never skews.
func (c *Client) dispatch(env *wire.Envelope) error {
	bound, err := c.fds.Bind(env.FdRefs)
	if err != nil {
		return &ProtoError{Fatal: true, Err: err}
	}
	if verr := env.Validate(); verr != nil {
		fdpass.CloseAll(bound)
		c.log.Warn("discarded invalid envelope: %v", verr)
		return nil
	}
	switch env.Kind {
	case wire.KindResponse:
		if c.cor.resolve(env.ID, Result{Payload: env.Payload, Files: bound}) {
			return nil
		}
		c.rt.route(env, bound)
	case wire.KindEvent:
		c.rt.route(env, bound)
	default:
		fdpass.CloseAll(bound)
		c.log.Warn("peer sent a request envelope; discarded")
	}
	return nil
}

// teardown is the single exit path for the connection. cause is nil
// for a local Close and the detected error otherwise; either way every
// pending request fails with the same ConnClosed error and every
// parked descriptor is closed exactly once.
func (c *Client) teardown(cause error) {
	if c.State() == StateClosed {
		return
	}
	c.state.Store(int32(StateDraining))
	if cause != nil {
		c.log.Warn("connection failed: %v", cause)
	}

	closed := &ConnError{Op: "teardown", Kind: ConnClosed, Err: cause}
	if n := c.cor.pendingCount(); n > 0 {
		c.log.Debug("failing %d pending request(s)", n)
	}
	c.cor.failAll(closed)
	c.rt.shutdown()
	if n := c.fds.Drain(); n > 0 {
		c.log.Warn("closed %d descriptor(s) never claimed by an envelope", n)
	}
	if c.tr != nil {
		_ = c.tr.close()
	}
	c.fatal = closed
	c.state.Store(int32(StateClosed))
}
