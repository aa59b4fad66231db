package port

import (
	"time"

	"github.com/quarzos/portkit/fdpass"
	"github.com/quarzos/portkit/internal/logging"
)

// Pending tracks one in-flight request. It is filled in by the handle
// that issued it; callers observe it through Done and Result between
// PollOnce calls, or implicitly through Request/Wait.
type Pending struct {
	id       uint64
	deadline time.Time
	issued   time.Time

	done bool
	res  Result
	err  error
}

// ID returns the request's correlation id. Ids are assigned from a
// monotonically increasing counter and never reused on a connection.
func (p *Pending) ID() uint64 { return p.id }

// Done reports whether the request has resolved, in success, failure
// or cancellation.
func (p *Pending) Done() bool { return p.done }

// Result returns the outcome of a resolved request. Calling it before
// Done reports true is a caller error.
func (p *Pending) Result() (Result, error) {
	if !p.done {
		return Result{}, &ArgumentError{Reason: "request not resolved yet"}
	}
	return p.res, p.err
}

// correlator pairs replies with the requests that caused them. Ids are
// handed out once and tombstoned on cancellation so a late reply can
// be recognized and discarded instead of leaking to another waiter.
type correlator struct {
	nextID    uint64
	waiting   map[uint64]*Pending
	cancelled map[uint64]struct{}
	log       logging.Logger
}

func newCorrelator(log logging.Logger) *correlator {
	return &correlator{
		waiting:   make(map[uint64]*Pending),
		cancelled: make(map[uint64]struct{}),
		log:       log,
	}
}

// issue registers a new pending request under a fresh id.
func (c *correlator) issue(deadline time.Time) *Pending {
	c.nextID++
	p := &Pending{id: c.nextID, deadline: deadline, issued: time.Now()}
	c.waiting[p.id] = p
	return p
}

// resolve delivers a reply. It reports false when the id belongs to no
// request issued on this connection, in which case the envelope is the
// router's problem. Replies to cancelled requests are consumed here:
// their payload is dropped and their descriptors closed.
func (c *correlator) resolve(id uint64, res Result) bool {
	if p, ok := c.waiting[id]; ok {
		delete(c.waiting, id)
		p.res = res
		p.done = true
		return true
	}
	if _, ok := c.cancelled[id]; ok {
		delete(c.cancelled, id)
		fdpass.CloseAll(res.Files)
		c.log.Debug("discarded late reply to cancelled request %d", id)
		return true
	}
	return false
}

// drop forgets a pending request that was never written. No tombstone
// is kept because no reply can arrive for it.
func (c *correlator) drop(id uint64) {
	delete(c.waiting, id)
}

// cancel resolves a pending request with err and tombstones its id.
func (c *correlator) cancel(id uint64, err error) {
	p, ok := c.waiting[id]
	if !ok {
		return
	}
	delete(c.waiting, id)
	c.cancelled[id] = struct{}{}
	p.err = err
	p.done = true
}

// expire cancels every pending request whose deadline has passed,
// resolving each with a TimeoutError.
func (c *correlator) expire(now time.Time) {
	for id, p := range c.waiting {
		if p.deadline.IsZero() || now.Before(p.deadline) {
			continue
		}
		delete(c.waiting, id)
		c.cancelled[id] = struct{}{}
		p.err = &TimeoutError{ID: id, Elapsed: now.Sub(p.issued).Round(time.Millisecond)}
		p.done = true
	}
}

// nextDeadline returns the earliest pending deadline, or zero when no
// pending request carries one.
func (c *correlator) nextDeadline() time.Time {
	var min time.Time
	for _, p := range c.waiting {
		if p.deadline.IsZero() {
			continue
		}
		if min.IsZero() || p.deadline.Before(min) {
			min = p.deadline
		}
	}
	return min
}

// failAll resolves every pending request with the same error. Used on
// teardown; no tombstones are kept because nothing further will be
// read from the connection.
func (c *correlator) failAll(err error) {
	for id, p := range c.waiting {
		delete(c.waiting, id)
		p.err = err
		p.done = true
	}
}

func (c *correlator) pendingCount() int { return len(c.waiting) }
