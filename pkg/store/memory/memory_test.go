//nolint:funlen // ok for tests
package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/model"
	"github.com/mpapenbr/sprint-relay/pkg/store"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Store, *model.Session) {
	t.Helper()
	s := New(WithClock(func() time.Time { return t0 }), WithLogger(log.Nop()))
	t.Cleanup(s.Close)
	sess, err := s.CreateSession(context.Background(), []int{30, 60, 100})
	require.NoError(t, err)
	return s, sess
}

func TestCreateAndJoin(t *testing.T) {
	s, sess := setup(t)
	ctx := context.Background()
	assert.Equal(t, model.SessionCreated, sess.Status)
	assert.Equal(t, t0, sess.CreatedAt)
	assert.Len(t, sess.Code, 6)

	joined, err := s.JoinSession(ctx, sess.Code)
	require.NoError(t, err)
	assert.Equal(t, sess, joined)

	_, err = s.JoinSession(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	_, err = s.CreateSession(ctx, []int{60, 30})
	assert.ErrorIs(t, err, model.ErrInvalidDistances)
}

func TestStopTimingIdempotent(t *testing.T) {
	s, sess := setup(t)
	ctx := context.Background()

	leg, err := s.OpenNextLeg(ctx, sess.ID, 0, t0)
	require.NoError(t, err)
	assert.True(t, leg.Open())

	closed, err := s.StopTiming(ctx, leg.ID, t0.Add(4200*time.Millisecond))
	require.NoError(t, err)
	require.True(t, closed.Closed())
	assert.Equal(t, t0.Add(4200*time.Millisecond), *closed.EndTime)

	// a second stop keeps the first end time
	again, err := s.StopTiming(ctx, leg.ID, t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, *closed.EndTime, *again.EndTime)

	_, err = s.StopTiming(ctx, 4711, t0)
	assert.ErrorIs(t, err, store.ErrLegNotFound)
}

func TestStopTimingMonotonic(t *testing.T) {
	s, sess := setup(t)
	ctx := context.Background()

	leg, err := s.OpenNextLeg(ctx, sess.ID, 1, t0.Add(time.Second))
	require.NoError(t, err)
	// clock skew between devices: local clock behind the start stamp
	closed, err := s.StopTiming(ctx, leg.ID, t0)
	require.NoError(t, err)
	assert.True(t, closed.EndTime.After(*closed.StartTime))
}

func TestOpenNextLeg(t *testing.T) {
	s, sess := setup(t)
	ctx := context.Background()

	_, err := s.OpenNextLeg(ctx, sess.ID, 3, t0)
	assert.ErrorIs(t, err, store.ErrInvalidLegIndex)
	_, err = s.OpenNextLeg(ctx, 99, 0, t0)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	first, err := s.OpenNextLeg(ctx, sess.ID, 0, t0)
	require.NoError(t, err)
	joined, err := s.JoinSession(ctx, sess.Code)
	require.NoError(t, err)
	assert.Equal(t, model.SessionRunning, joined.Status)

	// a restarted run supersedes the previous leg 0
	second, err := s.OpenNextLeg(ctx, sess.ID, 0, t0.Add(time.Minute))
	require.NoError(t, err)
	latest, err := s.LatestLeg(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.Greater(t, second.ID, first.ID)

	_, err = s.LatestLeg(ctx, sess.ID, 2)
	assert.ErrorIs(t, err, store.ErrLegNotFound)

	legs, err := s.Legs(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, legs, 2)

	require.NoError(t, s.CompleteSession(ctx, sess.ID))
	joined, err = s.JoinSession(ctx, sess.Code)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, joined.Status)
}

func TestSubscribeToLeg(t *testing.T) {
	s, sess := setup(t)
	ctx := context.Background()

	leg0, err := s.OpenNextLeg(ctx, sess.ID, 0, t0)
	require.NoError(t, err)

	legs, cancel, err := s.SubscribeToLeg(ctx, sess.ID, store.ForLegIndex(1))
	require.NoError(t, err)
	defer cancel()
	all, cancelAll, err := s.SubscribeToLeg(ctx, sess.ID, store.AllLegs)
	require.NoError(t, err)
	defer cancelAll()

	next := func(ch <-chan *model.Leg) *model.Leg {
		select {
		case l := <-ch:
			return l
		case <-time.After(time.Second):
			t.Fatal("no leg received")
		}
		return nil
	}
	// resync: the newest matching leg is emitted first
	assert.Equal(t, leg0.ID, next(all).ID)

	closed, err := s.StopTiming(ctx, leg0.ID, t0.Add(4200*time.Millisecond))
	require.NoError(t, err)
	leg1, err := s.OpenNextLeg(ctx, sess.ID, 1, *closed.EndTime)
	require.NoError(t, err)

	got := next(legs)
	assert.Equal(t, leg1.ID, got.ID)
	assert.True(t, got.Open())

	assert.True(t, next(all).Closed())
	assert.Equal(t, leg1.ID, next(all).ID)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-legs:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	_, _, err = s.SubscribeToLeg(ctx, 99, store.AllLegs)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}
