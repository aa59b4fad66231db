// Package shm provides memfd-backed shared buffers that port peers
// exchange by descriptor instead of copying.
//
// A Surface is anonymous shared memory: created with memfd_create,
// sized once, mapped into this process. Its File travels in a
// request's descriptor list; the receiving side maps the same pages
// with FromFile, so writes on either side are visible to both.
// Checksum gives a cheap content fingerprint for handoff validation.
package shm

import (
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"

	"github.com/quarzos/portkit/fdpass"
)

// Surface is one mapped shared buffer. Not safe for concurrent use.
type Surface struct {
	name string
	f    *os.File
	data []byte
}

// NewSurface allocates a surface of exactly size bytes, zero-filled.
func NewSurface(name string, size int) (*Surface, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: surface size must be positive, got %d", size)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("shm: memfd_create %q: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: size %q to %d: %w", name, size, err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: map %q: %w", name, err)
	}
	return &Surface{
		name: name,
		f:    os.NewFile(uintptr(fd), "memfd:"+name),
		data: data,
	}, nil
}

// FromFile maps a surface received from a peer. It takes ownership of
// f; closing the surface closes it.
func FromFile(f *os.File) (*Surface, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("shm: stat received surface: %w", err)
	}
	size := int(fi.Size())
	if size <= 0 {
		return nil, fmt.Errorf("shm: received surface has size %d", size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: map received surface: %w", err)
	}
	return &Surface{name: f.Name(), f: f, data: data}, nil
}

// FromDescriptor maps a surface from a received port descriptor,
// consuming its ownership.
func FromDescriptor(d *fdpass.Descriptor) (*Surface, error) {
	f, err := d.File()
	if err != nil {
		return nil, fmt.Errorf("shm: %w", err)
	}
	s, err := FromFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Name returns the label the surface was created under.
func (s *Surface) Name() string { return s.name }

// Bytes returns the mapped memory. Nil after Close.
func (s *Surface) Bytes() []byte { return s.data }

// Size returns the surface length in bytes.
func (s *Surface) Size() int { return len(s.data) }

// File returns the backing file for sending in a request's descriptor
// list. The surface keeps ownership; keep it open until the send
// completes.
func (s *Surface) File() *os.File { return s.f }

// Fd returns the raw descriptor, or -1 after Close.
func (s *Surface) Fd() int {
	if s.f == nil {
		return -1
	}
	return int(s.f.Fd())
}

// Checksum fingerprints the current content.
func (s *Surface) Checksum() uint64 {
	if s.data == nil {
		return 0
	}
	return xxhash.Sum64(s.data)
}

// Seal fixes the surface's size so no holder can shrink or grow it.
func (s *Surface) Seal() error {
	if s.f == nil {
		return fmt.Errorf("shm: seal on closed surface")
	}
	seals := unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_SEAL
	if _, err := unix.FcntlInt(s.f.Fd(), unix.F_ADD_SEALS, seals); err != nil {
		return fmt.Errorf("shm: seal %q: %w", s.name, err)
	}
	return nil
}

// Close unmaps and closes the surface. Safe to call twice; peers
// holding their own mapping are unaffected.
func (s *Surface) Close() error {
	if s.f == nil {
		return nil
	}
	var first error
	if s.data != nil {
		first = unix.Munmap(s.data)
		s.data = nil
	}
	if err := s.f.Close(); err != nil && first == nil {
		first = err
	}
	s.f = nil
	return first
}
