package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DefaultMaxLineBytes bounds one framed line, terminator included.
const DefaultMaxLineBytes = 1 << 20

// FrameKind classifies framing failures.
type FrameKind int

const (
	// FrameInvalidPayload marks a complete line that is not a valid JSON
	// envelope. Only that line is lost; framing continues at the next.
	FrameInvalidPayload FrameKind = iota
	// FrameOversized marks a line exceeding the configured maximum. The
	// stream cannot be resynchronized past an unterminated oversized line,
	// so this failure is fatal to the connection.
	FrameOversized
)

func (k FrameKind) String() string {
	switch k {
	case FrameInvalidPayload:
		return "invalid payload"
	case FrameOversized:
		return "oversized"
	default:
		return "unknown"
	}
}

// FrameError reports a framing failure.
type FrameError struct {
	Kind FrameKind
	// Snippet holds the head of the offending line for diagnostics.
	Snippet string
	Err     error
}

func (e *FrameError) Error() string {
	msg := "wire: " + e.Kind.String() + " frame"
	if e.Snippet != "" {
		msg += fmt.Sprintf(" %q", e.Snippet)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FrameError) Unwrap() error { return e.Err }

// Fatal reports whether the failure forces connection teardown.
func (e *FrameError) Fatal() bool { return e.Kind == FrameOversized }

const snippetLen = 64

func snippet(line []byte) string {
	if len(line) > snippetLen {
		line = line[:snippetLen]
	}
	return string(line)
}

// Framer turns a byte stream into envelopes and envelopes into bytes. It
// buffers partial lines between pushes and never blocks: Next either yields
// one complete envelope, reports a framing failure, or reports that no full
// line has arrived yet.
//
// A Framer belongs to a single connection and is not safe for concurrent use.
type Framer struct {
	maxLine int
	buf     []byte
	// fatal latches an oversized failure: the buffer contents past that
	// point cannot be trusted to start at a line boundary.
	fatal error
}

// NewFramer returns a framer bounding lines at maxLine bytes, terminator
// included. maxLine <= 0 selects DefaultMaxLineBytes.
func NewFramer(maxLine int) *Framer {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &Framer{maxLine: maxLine}
}

// Push appends raw bytes read from the transport.
func (f *Framer) Push(b []byte) {
	f.buf = append(f.buf, b...)
}

// Buffered returns the number of bytes awaiting a line terminator.
func (f *Framer) Buffered() int { return len(f.buf) }

// Next extracts exactly one complete envelope from the front of the buffer.
// It returns (nil, nil) when no complete line is buffered. A FrameError with
// Kind FrameInvalidPayload consumes only the offending line; FrameOversized
// poisons the framer and repeats on every subsequent call.
func (f *Framer) Next() (*Envelope, error) {
	if f.fatal != nil {
		return nil, f.fatal
	}

	i := bytes.IndexByte(f.buf, '\n')
	if i < 0 {
		if len(f.buf) > f.maxLine {
			f.fatal = &FrameError{Kind: FrameOversized, Snippet: snippet(f.buf)}
			return nil, f.fatal
		}
		return nil, nil
	}
	if i+1 > f.maxLine {
		f.fatal = &FrameError{Kind: FrameOversized, Snippet: snippet(f.buf[:i])}
		return nil, f.fatal
	}

	// Copy the line out before compacting: the shift below reuses the
	// front of the buffer the line currently occupies.
	line := append([]byte(nil), f.buf[:i]...)
	f.buf = append(f.buf[:0], f.buf[i+1:]...)

	if len(bytes.TrimSpace(line)) == 0 {
		return nil, &FrameError{Kind: FrameInvalidPayload, Err: fmt.Errorf("empty line")}
	}

	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &FrameError{Kind: FrameInvalidPayload, Snippet: snippet(line), Err: err}
	}
	return &env, nil
}

// Encode serializes an envelope with its trailing newline. Envelopes that
// would exceed the line bound fail with FrameOversized; nothing is written to
// the wire in that case, so the failure is synchronous and non-fatal.
func (f *Framer) Encode(env *Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, &FrameError{Kind: FrameInvalidPayload, Err: err}
	}
	if len(b)+1 > f.maxLine {
		return nil, &FrameError{Kind: FrameOversized, Snippet: snippet(b)}
	}
	return append(b, '\n'), nil
}
