package port

import (
	"encoding/json"
	"sync/atomic"

	"github.com/quarzos/portkit/fdpass"
	"github.com/quarzos/portkit/internal/logging"
	"github.com/quarzos/portkit/wire"
)

// Event is one unsolicited notification delivered to a subscription.
// Payload aliases a buffer shared with other subscribers of the same
// topic; treat it as read-only. Files, when present, are owned by the
// receiver, which must close or consume every descriptor.
type Event struct {
	Topic   string
	Payload json.RawMessage
	Files   []*fdpass.Descriptor
}

// Subscription receives events for an exact set of topics over a
// bounded queue. When the queue is full the oldest event is evicted,
// its descriptors closed and the drop counter bumped; delivery never
// blocks the connection's read path.
//
// Unlike the handle itself, Events may be drained from any goroutine.
type Subscription struct {
	topics  []string
	ch      chan Event
	dropped atomic.Uint64
}

// Events returns the queue. It is closed by Unsubscribe or when the
// connection tears down; events received after that still transfer
// descriptor ownership to the receiver.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Topics returns the topics this subscription matches.
func (s *Subscription) Topics() []string {
	out := make([]string, len(s.topics))
	copy(out, s.topics)
	return out
}

// Dropped returns how many events have been evicted from this
// subscription's queue so far.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	for _, t := range s.topics {
		if t == topic {
			return true
		}
	}
	return false
}

// deliver enqueues ev, evicting the oldest queued event if the
// consumer has fallen behind. Only the routing side calls this, so the
// evict-then-retry loop has a single producer and terminates.
func (s *Subscription) deliver(ev Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case old := <-s.ch:
			fdpass.CloseAll(old.Files)
			s.dropped.Add(1)
		default:
		}
	}
}

// flush drains and closes the queue, releasing any descriptors still
// parked in it.
func (s *Subscription) flush() {
	for {
		select {
		case old := <-s.ch:
			fdpass.CloseAll(old.Files)
		default:
			close(s.ch)
			return
		}
	}
}

// router fans incoming events out to subscriptions by exact topic
// match. Subscriptions are kept in registration order; when an event
// carries descriptors the oldest matching subscription receives them
// and later matches see the payload only, since a descriptor has a
// single owner.
type router struct {
	subs     []*Subscription
	queueLen int
	log      logging.Logger
}

func newRouter(queueLen int, log logging.Logger) *router {
	return &router{queueLen: queueLen, log: log}
}

func (r *router) subscribe(topics []string) *Subscription {
	s := &Subscription{
		topics: append([]string(nil), topics...),
		ch:     make(chan Event, r.queueLen),
	}
	r.subs = append(r.subs, s)
	return s
}

// unsubscribe detaches s and flushes its queue. Unknown subscriptions
// are ignored.
func (r *router) unsubscribe(s *Subscription) {
	for i, have := range r.subs {
		if have != s {
			continue
		}
		r.subs = append(r.subs[:i], r.subs[i+1:]...)
		s.flush()
		return
	}
}

// route delivers an envelope that no pending request claimed. Events
// with no matching subscription are dropped and their descriptors
// closed.
func (r *router) route(env *wire.Envelope, files []*fdpass.Descriptor) {
	delivered := false
	for _, s := range r.subs {
		if env.Topic == "" || !s.matches(env.Topic) {
			continue
		}
		ev := Event{Topic: env.Topic, Payload: env.Payload}
		if !delivered {
			ev.Files = files
		}
		s.deliver(ev)
		delivered = true
	}
	if !delivered {
		if env.Kind == wire.KindResponse {
			r.log.Debug("discarding reply %d with no pending request", env.ID)
		} else {
			r.log.Debug("discarding event %q with no subscriber", env.Topic)
		}
		fdpass.CloseAll(files)
	}
}

// shutdown flushes and closes every subscription queue.
func (r *router) shutdown() {
	for _, s := range r.subs {
		s.flush()
	}
	r.subs = nil
}
