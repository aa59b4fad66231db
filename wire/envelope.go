// Package wire defines the port protocol envelope and its newline-delimited
// JSON framing.
//
// One envelope is one complete newline-terminated JSON document. The envelope
// carries only what routing needs: a kind discriminator, a correlation id for
// requests and responses, a topic for events, an opaque payload, and the
// ordered list of descriptor placeholder names for envelopes that travel with
// ancillary file descriptors. Payload semantics belong to the services and
// their typed wrappers, never to this package.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope kinds.
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindEvent    = "event"
)

// Envelope is the unit of wire exchange.
type Envelope struct {
	// Kind discriminates request, response and event envelopes.
	Kind string `json:"kind"`
	// ID is the correlation id, present on requests and responses and
	// never zero there. Events carry no id.
	ID uint64 `json:"id,omitempty"`
	// Topic classifies an event (e.g. "vsync", "irq", "stats").
	Topic string `json:"topic,omitempty"`
	// Payload is opaque structured data interpreted by the services.
	Payload json.RawMessage `json:"payload,omitempty"`
	// FdRefs names the descriptor placeholders of this envelope, in the
	// exact order the descriptors arrive in ancillary data. Its length
	// must equal the number of descriptors delivered with the envelope.
	FdRefs []string `json:"fd_refs,omitempty"`
}

// NewRequest builds a request envelope.
func NewRequest(id uint64, payload json.RawMessage, fdRefs []string) *Envelope {
	return &Envelope{Kind: KindRequest, ID: id, Payload: payload, FdRefs: fdRefs}
}

// NewResponse builds a response envelope correlated to a request id.
func NewResponse(id uint64, payload json.RawMessage) *Envelope {
	return &Envelope{Kind: KindResponse, ID: id, Payload: payload}
}

// NewEvent builds an event envelope for a topic.
func NewEvent(topic string, payload json.RawMessage) *Envelope {
	return &Envelope{Kind: KindEvent, Topic: topic, Payload: payload}
}

// ErrEnvelope tags envelope contract violations: well-formed JSON whose shape
// breaks the protocol. Test with errors.Is.
var ErrEnvelope = errors.New("wire: envelope violation")

// Validate checks the envelope against the protocol contract.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindRequest, KindResponse:
		if e.ID == 0 {
			return fmt.Errorf("%w: %s without id", ErrEnvelope, e.Kind)
		}
		if e.Topic != "" {
			return fmt.Errorf("%w: %s with topic %q", ErrEnvelope, e.Kind, e.Topic)
		}
	case KindEvent:
		if e.Topic == "" {
			return fmt.Errorf("%w: event without topic", ErrEnvelope)
		}
		if e.ID != 0 {
			return fmt.Errorf("%w: event with id %d", ErrEnvelope, e.ID)
		}
	case "":
		return fmt.Errorf("%w: missing kind", ErrEnvelope)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrEnvelope, e.Kind)
	}
	return nil
}
