// Package porttest runs a scriptable port service inside the test
// process.
//
// A Server listens on a real Unix socket and speaks the full wire
// protocol, descriptors included, so client code is exercised against
// actual socket semantics rather than a mock transport. Behavior is
// scripted per operation:
//
//	srv, err := porttest.Listen(sockPath)
//	srv.Handle("mode_list", func(conn *porttest.Conn, req porttest.Request) porttest.Response {
//		return porttest.Response{Payload: map[string]any{"modes": []string{"640x480"}}}
//	})
//
// A handler for "ping" is installed by default so clients can complete
// their handshake; override it to script handshake failures.
//
// The server can also misbehave on demand: SendEnvelope places no
// constraints on the envelope it sends (unsolicited ids, events with
// ids, descriptor counts that disagree with fd_refs), SendRaw writes
// arbitrary bytes (malformed JSON, oversized lines), and CloseNow
// drops a connection without ceremony. Tests use these to drive the
// client's error paths deterministically.
//
// Files attached to replies or events must stay open until the server
// has written them; closing them in test cleanup is the usual pattern.
package porttest
