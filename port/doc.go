// Package port implements the client side of the port protocol: a
// request/response and event stream over a Unix domain socket, with
// file descriptors carried in ancillary data.
//
// # Connecting
//
// Dial opens a socket path directly; DialService resolves a service
// name through the portmap package first. Every connection begins with
// a ping handshake that reports the service's protocol version; a
// mismatch is logged and tolerated.
//
//	c, err := port.DialService("display", nil)
//	if err != nil { ... }
//	defer c.Close()
//
// # Requests
//
// Request sends one payload and blocks until its reply:
//
//	res, err := c.Request(ctx, map[string]any{"op": "mode_list"}, nil, nil)
//
// Replies are matched to requests by a correlation id the handle
// assigns; replies may arrive in any order, so several requests can be
// pipelined with Submit and collected later with Wait. A request that
// misses its deadline resolves with a TimeoutError and is cancelled;
// the connection survives, and the late reply is discarded when it
// shows up.
//
// # Events
//
// Services push unsolicited events on named topics. Subscribe returns
// a Subscription whose channel is a bounded queue: a slow consumer
// loses the oldest events, counted by Dropped, and never stalls the
// connection.
//
//	sub, _ := c.Subscribe("vsync")
//	for ev := range sub.Events() { ... }
//
// # Descriptors
//
// Envelopes may carry open file descriptors. Each received descriptor
// is wrapped in a fdpass.Descriptor owned by exactly one receiver: the
// request's caller, or the oldest matching subscription. Ownership is
// consumed once, by File or Close. Descriptors still parked in the
// handle when the connection ends are closed during teardown.
//
// # Threading
//
// A Client is a single-owner handle. It starts no goroutines and takes
// no locks around its data; exactly one goroutine may call its
// operations at a time, and a concurrent call fails with
// ErrConcurrentUse rather than corrupting state. Blocking calls drive
// the socket themselves. Callers who need their own event loop instead
// wire Readiness into a poller and call PollOnce when it fires.
// Subscription channels and State are the two surfaces safe to touch
// from other goroutines.
//
// # Failure
//
// Errors split into connection failures (ConnError, always fatal),
// protocol violations (ProtoError, fatal only when descriptor
// accounting is compromised), framing problems (wire.FrameError,
// fatal only for oversized lines), caller mistakes (ArgumentError,
// harmless) and per-request TimeoutError. Any fatal error runs the
// same teardown as Close: pending requests fail with a ConnClosed
// cause, queues flush, descriptors close, socket closes.
package port
