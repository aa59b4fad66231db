package port

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ConnKind classifies connection-level failures. All of them are fatal
// for the connection that produced them.
type ConnKind int

const (
	// ConnRefused means the socket exists but nothing is accepting on it.
	ConnRefused ConnKind = iota
	// ConnNotFound means the socket path does not exist.
	ConnNotFound
	// ConnPermission means the caller may not open the socket.
	ConnPermission
	// ConnReset means the peer aborted the connection mid-stream.
	ConnReset
	// ConnEOF means the peer shut down its write side.
	ConnEOF
	// ConnClosed means the handle was torn down, locally or after a
	// prior fatal error.
	ConnClosed
)

func (k ConnKind) String() string {
	switch k {
	case ConnRefused:
		return "refused"
	case ConnNotFound:
		return "not found"
	case ConnPermission:
		return "permission denied"
	case ConnReset:
		return "reset"
	case ConnEOF:
		return "eof"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnError reports a transport failure. Once one is observed the
// connection is unusable and every pending request fails with a
// ConnClosed cause.
type ConnError struct {
	Op   string
	Kind ConnKind
	Err  error
}

func (e *ConnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("port: %s: connection %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("port: %s: connection %s", e.Op, e.Kind)
}

func (e *ConnError) Unwrap() error { return e.Err }

// ProtoError reports a violation of the envelope protocol by the peer.
// Recoverable violations (malformed envelopes without descriptor
// consequences) are logged and skipped; fatal ones (descriptor
// accounting that can no longer be trusted) tear the connection down.
type ProtoError struct {
	Fatal bool
	Err   error
}

func (e *ProtoError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("port: fatal protocol violation: %v", e.Err)
	}
	return fmt.Sprintf("port: protocol violation: %v", e.Err)
}

func (e *ProtoError) Unwrap() error { return e.Err }

// ArgumentError reports caller misuse detected before any bytes were
// written. The connection remains usable.
type ArgumentError struct {
	Reason string
}

func (e *ArgumentError) Error() string { return "port: " + e.Reason }

// ErrConcurrentUse is returned when a second goroutine enters the
// handle while an operation is already in progress. The handle is a
// single-owner object; see the package documentation.
var ErrConcurrentUse = &ArgumentError{Reason: "concurrent use of a single-owner handle"}

// ErrCancelled resolves a request abandoned through Cancel.
var ErrCancelled = errors.New("port: request cancelled by caller")

// TimeoutError reports that a request's deadline passed before its
// reply arrived. The request is cancelled; the connection stays open.
type TimeoutError struct {
	ID      uint64
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("port: request %d timed out after %s", e.ID, e.Elapsed)
}

// Timeout satisfies net.Error style checks.
func (e *TimeoutError) Timeout() bool { return true }

// classifyDial maps a dial failure onto a ConnKind.
func classifyDial(err error) ConnKind {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, os.ErrNotExist):
		return ConnNotFound
	case errors.Is(err, unix.EACCES), errors.Is(err, os.ErrPermission):
		return ConnPermission
	case errors.Is(err, unix.ECONNREFUSED):
		return ConnRefused
	default:
		return ConnClosed
	}
}

// classifyIO maps a mid-stream read or write failure onto a ConnKind.
func classifyIO(err error) ConnKind {
	switch {
	case errors.Is(err, io.EOF):
		return ConnEOF
	case errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EPIPE):
		return ConnReset
	case errors.Is(err, net.ErrClosed):
		return ConnClosed
	default:
		return ConnReset
	}
}

// isDeadline reports whether err is a read/write deadline expiry rather
// than a real transport failure.
func isDeadline(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
