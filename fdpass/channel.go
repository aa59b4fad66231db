package fdpass

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MaxFds is the kernel bound on descriptors per SCM_RIGHTS message
// (SCM_MAX_FD, 253 since Linux 2.6.38).
const MaxFds = 253

// OobSpace is the ancillary buffer size needed to receive MaxFds descriptors
// in one read.
var OobSpace = unix.CmsgSpace(MaxFds * 4)

// MismatchError reports a descriptor count that cannot be reconciled with an
// envelope's declared fd_refs. Once counts disagree, descriptor ownership can
// no longer be attributed, so the connection must be torn down.
type MismatchError struct {
	Declared int
	Supplied int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("fdpass: envelope declares %d descriptor(s), %d available", e.Declared, e.Supplied)
}

// Channel pairs ancillary descriptors received on a connection with the
// envelopes that declare them. Descriptors arrive attached to a read and are
// held in arrival order until the declaring envelope's frame completes, which
// may take further reads. Owned by the connection's single owner.
type Channel struct {
	pending []*Descriptor
}

// NewChannel returns an empty pairing channel.
func NewChannel() *Channel {
	return &Channel{}
}

// ParseRights extracts descriptor numbers from one read's ancillary data.
func ParseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("fdpass: parse control message: %w", err)
	}
	var fds []int
	for i := range scms {
		got, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			return nil, fmt.Errorf("fdpass: parse rights: %w", err)
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

// Push takes ownership of raw descriptor numbers received with one read.
func (c *Channel) Push(fds []int) {
	for _, fd := range fds {
		c.pending = append(c.pending, newDescriptor(fd))
	}
}

// Bind pops exactly len(refs) descriptors from the front of the arrival
// queue and names them positionally after refs. Fewer pending descriptors
// than declared placeholders means the stream's descriptor accounting is
// corrupt; Bind fails with MismatchError and leaves the queue untouched for
// teardown to drain.
func (c *Channel) Bind(refs []string) ([]*Descriptor, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if len(c.pending) < len(refs) {
		return nil, &MismatchError{Declared: len(refs), Supplied: len(c.pending)}
	}
	bound := c.pending[:len(refs):len(refs)]
	c.pending = c.pending[len(refs):]
	for i, d := range bound {
		d.name = refs[i]
	}
	return bound, nil
}

// Pending returns the number of received descriptors not yet bound to an
// envelope.
func (c *Channel) Pending() int { return len(c.pending) }

// Drain closes every unbound descriptor and empties the queue, returning how
// many were closed. Called on connection teardown; a non-zero return means
// the server sent descriptors no envelope accounted for.
func (c *Channel) Drain() int {
	n := 0
	for _, d := range c.pending {
		if d.Close() == nil {
			n++
		}
	}
	c.pending = nil
	return n
}

// Rights builds the SCM_RIGHTS control block for outgoing files. The caller
// keeps ownership of the files; sending attaches kernel-side duplicates, so
// nothing here closes them.
func Rights(files []*os.File) []byte {
	if len(files) == 0 {
		return nil
	}
	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}
	return unix.UnixRights(fds...)
}

// CheckOutgoing validates that the supplied files match an envelope's
// declared placeholders before any I/O happens.
func CheckOutgoing(refs []string, files []*os.File) error {
	if len(files) != len(refs) {
		return &MismatchError{Declared: len(refs), Supplied: len(files)}
	}
	if len(files) > MaxFds {
		return fmt.Errorf("fdpass: %d descriptors exceed the %d per-message limit", len(files), MaxFds)
	}
	for i, f := range files {
		if f == nil {
			return fmt.Errorf("fdpass: nil file for placeholder %q", refs[i])
		}
	}
	return nil
}
