package port

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarzos/portkit/internal/logging"
)

func testCorrelator() *correlator {
	return newCorrelator(logging.Component("test"))
}

func TestCorrelatorIdsMonotonicNeverReused(t *testing.T) {
	cor := testCorrelator()
	for want := uint64(1); want <= 50; want++ {
		p := cor.issue(time.Time{})
		require.Equal(t, want, p.ID())
		switch want % 3 {
		case 0:
			cor.resolve(p.ID(), Result{})
		case 1:
			cor.cancel(p.ID(), ErrCancelled)
		case 2:
			cor.drop(p.ID())
		}
	}
}

func TestCorrelatorResolveDelivers(t *testing.T) {
	cor := testCorrelator()
	p := cor.issue(time.Time{})

	_, err := p.Result()
	var argErr *ArgumentError
	require.ErrorAs(t, err, &argErr)

	require.True(t, cor.resolve(p.ID(), Result{Payload: json.RawMessage(`{"x":1}`)}))
	require.True(t, p.Done())
	res, err := p.Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(res.Payload))
	assert.Zero(t, cor.pendingCount())
}

func TestCorrelatorResolveUnknownIsNotMine(t *testing.T) {
	cor := testCorrelator()
	assert.False(t, cor.resolve(99, Result{}))
}

func TestCorrelatorCancelConsumesLateReply(t *testing.T) {
	cor := testCorrelator()
	p := cor.issue(time.Time{})
	cor.cancel(p.ID(), ErrCancelled)

	require.True(t, p.Done())
	_, err := p.Result()
	assert.ErrorIs(t, err, ErrCancelled)

	ds := makeDescriptors(t, "late")
	fd := rawFd(t, ds[0])
	require.True(t, fdIsOpen(fd))

	// The late reply is recognized, swallowed and its descriptor closed.
	require.True(t, cor.resolve(p.ID(), Result{Files: ds}))
	assert.False(t, fdIsOpen(fd))
	assert.Empty(t, cor.cancelled)

	// A second reply to the same id is nobody's.
	assert.False(t, cor.resolve(p.ID(), Result{}))
}

func TestCorrelatorExpire(t *testing.T) {
	cor := testCorrelator()
	now := time.Now()
	overdue := cor.issue(now.Add(-time.Millisecond))
	later := cor.issue(now.Add(time.Hour))
	forever := cor.issue(time.Time{})

	cor.expire(now)

	require.True(t, overdue.Done())
	_, err := overdue.Result()
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, overdue.ID(), te.ID)

	assert.False(t, later.Done())
	assert.False(t, forever.Done())
	assert.Equal(t, 2, cor.pendingCount())

	// The expired id is tombstoned so its late reply gets discarded.
	assert.True(t, cor.resolve(overdue.ID(), Result{}))
}

func TestCorrelatorNextDeadline(t *testing.T) {
	cor := testCorrelator()
	assert.True(t, cor.nextDeadline().IsZero())

	now := time.Now()
	cor.issue(time.Time{})
	cor.issue(now.Add(2 * time.Hour))
	near := cor.issue(now.Add(time.Minute))

	assert.Equal(t, near.deadline, cor.nextDeadline())
}

func TestCorrelatorFailAll(t *testing.T) {
	cor := testCorrelator()
	ps := []*Pending{cor.issue(time.Time{}), cor.issue(time.Time{}), cor.issue(time.Time{})}
	cause := &ConnError{Op: "teardown", Kind: ConnClosed}
	cor.failAll(cause)

	assert.Zero(t, cor.pendingCount())
	for _, p := range ps {
		require.True(t, p.Done())
		_, err := p.Result()
		assert.Same(t, cause, err)
	}
}
