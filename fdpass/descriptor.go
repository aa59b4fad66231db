// Package fdpass tracks ownership of file descriptors exchanged alongside
// port protocol envelopes.
//
// A descriptor crossing the socket is a one-time ownership transfer: once
// received it is owned here until it is handed to exactly one caller or
// closed. There is no duplication and no reference counting; every descriptor
// ends in exactly one of the two terminal states, which keeps close-exactly-
// once provable across every error path.
package fdpass

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Descriptor states.
const (
	stateOwned = iota
	stateTransferred
	stateClosed
)

// ErrConsumed reports use of a descriptor whose ownership already left.
var ErrConsumed = errors.New("fdpass: descriptor already transferred or closed")

// Descriptor is one received OS file descriptor. It is owned by the SDK until
// File transfers it to the caller or Close releases it. A Descriptor belongs
// to the connection's single owner and is not safe for concurrent use.
type Descriptor struct {
	fd    int
	name  string
	state int
}

func newDescriptor(fd int) *Descriptor {
	return &Descriptor{fd: fd}
}

// Name returns the placeholder name the envelope declared for this
// descriptor, empty until the descriptor is bound.
func (d *Descriptor) Name() string { return d.name }

// Raw returns the descriptor number without transferring ownership. The
// caller must not close it; use File to take ownership.
func (d *Descriptor) Raw() (int, error) {
	if d.state != stateOwned {
		return -1, ErrConsumed
	}
	return d.fd, nil
}

// File transfers ownership into an *os.File. After File returns, closing is
// the returned file's job and Close on the Descriptor is a no-op.
func (d *Descriptor) File() (*os.File, error) {
	if d.state != stateOwned {
		return nil, ErrConsumed
	}
	d.state = stateTransferred
	name := d.name
	if name == "" {
		name = fmt.Sprintf("fdpass-%d", d.fd)
	}
	return os.NewFile(uintptr(d.fd), name), nil
}

// Close releases the descriptor if it is still owned. Safe to call on any
// state and more than once.
func (d *Descriptor) Close() error {
	if d.state != stateOwned {
		return nil
	}
	d.state = stateClosed
	return unix.Close(d.fd)
}

// CloseAll closes every still-owned descriptor in ds. Used on discard and
// teardown paths.
func CloseAll(ds []*Descriptor) {
	for _, d := range ds {
		_ = d.Close()
	}
}
