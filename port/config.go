package port

import (
	"time"

	"github.com/google/uuid"

	"github.com/quarzos/portkit/wire"
)

// ProtocolVersion is the envelope protocol revision this package
// speaks. Services report theirs during the handshake; a mismatch is
// logged but does not fail the connection.
const ProtocolVersion = 0

// Config controls a single connection. The zero value is not usable;
// start from DefaultConfig and override fields as needed.
type Config struct {
	// MaxLineBytes bounds a single serialized envelope, newline
	// included, in both directions. Zero selects
	// wire.DefaultMaxLineBytes.
	MaxLineBytes int

	// EventQueueLen is the per-subscription queue capacity. When a
	// queue is full the oldest event is evicted and counted, never the
	// read path blocked.
	EventQueueLen int

	// DialTimeout bounds the connect attempt.
	DialTimeout time.Duration

	// WriteTimeout bounds the write of one outgoing envelope. A write
	// that exceeds it poisons the stream and tears the connection
	// down.
	WriteTimeout time.Duration

	// RequestTimeout is the default per-request deadline applied when
	// the caller's context carries none. Zero waits forever.
	RequestTimeout time.Duration

	// ClientName identifies this client in the handshake.
	ClientName string

	// SkipHello suppresses the ping handshake after connecting. Meant
	// for harnesses that script the first exchange themselves.
	SkipHello bool
}

// DefaultConfig returns the settings used by Dial when cfg is nil.
func DefaultConfig() *Config {
	return &Config{
		MaxLineBytes:   wire.DefaultMaxLineBytes,
		EventQueueLen:  64,
		DialTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 30 * time.Second,
		ClientName:     "portkit",
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.MaxLineBytes <= 0 {
		out.MaxLineBytes = wire.DefaultMaxLineBytes
	}
	if out.EventQueueLen <= 0 {
		out.EventQueueLen = 64
	}
	if out.ClientName == "" {
		out.ClientName = "portkit"
	}
	return &out
}

// newInstanceID mints the per-connection identity reported in the
// handshake.
func newInstanceID() string {
	return uuid.NewString()
}
