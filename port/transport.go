package port

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/quarzos/portkit/fdpass"
	"github.com/quarzos/portkit/internal/logging"
)

const readBufSize = 32 * 1024

// transport owns the connected Unix stream socket. It reads chunks
// with their ancillary descriptors, writes whole envelopes, and
// exposes the raw fd for readiness polling. It is not safe for
// concurrent use; the Client serializes access.
type transport struct {
	conn  *net.UnixConn
	rawFd int

	rbuf []byte
	oob  []byte

	closeOnce sync.Once
	closeErr  error

	log logging.Logger
}

// dialPort connects to a port socket and wraps it. Connect failures
// are classified so callers can distinguish a missing socket from a
// dead service.
func dialPort(path string, timeout time.Duration, log logging.Logger) (*transport, error) {
	var (
		conn net.Conn
		err  error
	)
	if timeout > 0 {
		conn, err = net.DialTimeout("unix", path, timeout)
	} else {
		conn, err = net.Dial("unix", path)
	}
	if err != nil {
		return nil, &ConnError{Op: "dial " + path, Kind: classifyDial(err), Err: err}
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, &ConnError{Op: "dial " + path, Kind: ConnClosed, Err: fmt.Errorf("unexpected conn type %T", conn)}
	}

	t := &transport{
		conn: uc,
		rbuf: make([]byte, readBufSize),
		oob:  make([]byte, fdpass.OobSpace),
		log:  log,
	}
	sc, err := uc.SyscallConn()
	if err != nil {
		uc.Close()
		return nil, &ConnError{Op: "dial " + path, Kind: ConnClosed, Err: err}
	}
	if cerr := sc.Control(func(fd uintptr) { t.rawFd = int(fd) }); cerr != nil {
		uc.Close()
		return nil, &ConnError{Op: "dial " + path, Kind: ConnClosed, Err: cerr}
	}
	return t, nil
}

// readiness returns the connection's file descriptor for external
// poll/select loops. It stays valid until close.
func (t *transport) readiness() int { return t.rawFd }

// pollIn waits up to maxWait for the socket to become readable without
// consuming anything. maxWait <= 0 checks and returns immediately.
func (t *transport) pollIn(maxWait time.Duration) (bool, error) {
	ms := 0
	if maxWait > 0 {
		ms = int(maxWait / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
	}
	fds := []unix.PollFd{{Fd: int32(t.rawFd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, &ConnError{Op: "poll", Kind: ConnClosed, Err: err}
		}
		if n == 0 {
			return false, nil
		}
		return fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0, nil
	}
}

// readChunk performs one bounded read and returns the payload bytes
// alongside any descriptors that arrived with them. Deadline expiry is
// reported as os.ErrDeadlineExceeded with no data; callers treat it as
// "nothing ready". When data and an error arrive together the data
// wins and the error resurfaces on the next call.
//
// The returned slice aliases an internal buffer and is only valid
// until the next readChunk.
func (t *transport) readChunk(deadline time.Time) ([]byte, []int, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, &ConnError{Op: "read", Kind: ConnClosed, Err: err}
	}
	n, oobn, flags, _, err := t.conn.ReadMsgUnix(t.rbuf, t.oob)

	var fds []int
	if oobn > 0 {
		var perr error
		fds, perr = fdpass.ParseRights(t.oob[:oobn])
		if perr != nil {
			return nil, nil, &ProtoError{Fatal: true, Err: perr}
		}
	}
	if flags&unix.MSG_CTRUNC != 0 {
		// Control data overflowed the buffer; descriptor accounting is
		// no longer trustworthy.
		return t.rbuf[:n], fds, &ProtoError{Fatal: true, Err: errors.New("ancillary data truncated")}
	}
	if n > 0 {
		return t.rbuf[:n], fds, nil
	}
	if err != nil {
		if isDeadline(err) {
			return nil, fds, err
		}
		kind := classifyIO(err)
		if errors.Is(err, io.EOF) {
			return nil, fds, &ConnError{Op: "read", Kind: ConnEOF, Err: io.EOF}
		}
		return nil, fds, &ConnError{Op: "read", Kind: kind, Err: err}
	}
	return nil, fds, nil
}

// writeChunk writes one whole serialized envelope. Descriptors ride on
// the first batch that carries at least one payload byte; the kernel
// binds ancillary data to that byte. A short or failed write leaves an
// unframed prefix on the stream, so any error here is fatal for the
// connection.
func (t *transport) writeChunk(b []byte, files []*os.File, timeout time.Duration) error {
	if len(b) == 0 {
		return nil
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return &ConnError{Op: "write", Kind: ConnClosed, Err: err}
	}

	rights := fdpass.Rights(files)
	for off := 0; off < len(b); {
		n, _, err := t.conn.WriteMsgUnix(b[off:], rights, nil)
		if n > 0 {
			off += n
			rights = nil
		}
		if err != nil {
			if isDeadline(err) {
				return &ConnError{Op: "write", Kind: ConnReset, Err: err}
			}
			return &ConnError{Op: "write", Kind: classifyIO(err), Err: err}
		}
		if n == 0 {
			return &ConnError{Op: "write", Kind: ConnReset, Err: io.ErrShortWrite}
		}
	}
	return nil
}

// close shuts the socket down. Safe to call more than once and from
// any teardown path.
func (t *transport) close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
