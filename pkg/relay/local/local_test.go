//nolint:funlen // ok for tests
package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/relay"
)

func receive(t *testing.T, ch <-chan relay.Message) relay.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "channel closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	return relay.Message{}
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub(WithLogger(log.Nop()))
	a := hub.Channel("abc")
	defer a.Close()
	b := hub.Channel("abc")
	defer b.Close()

	msgsA, cancelA, err := a.Subscribe()
	require.NoError(t, err)
	defer cancelA()
	msgsB, cancelB, err := b.Subscribe()
	require.NoError(t, err)
	defer cancelB()

	require.NoError(t, a.Publish(context.Background(), relay.Activate("30")))
	// publisher receives its own message as well
	assert.Equal(t, relay.Activate("30"), receive(t, msgsA))
	assert.Equal(t, relay.Activate("30"), receive(t, msgsB))

	require.NoError(t, b.Publish(context.Background(), relay.Reset()))
	assert.Equal(t, relay.Reset(), receive(t, msgsA))
	assert.Equal(t, relay.Reset(), receive(t, msgsB))
}

func TestHubSessionsIsolated(t *testing.T) {
	hub := NewHub(WithLogger(log.Nop()))
	a := hub.Channel("abc")
	defer a.Close()
	other := hub.Channel("xyz")
	defer other.Close()

	msgs, cancel, err := other.Subscribe()
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, a.Publish(context.Background(), relay.Activate("30")))
	select {
	case m := <-msgs:
		t.Fatalf("unexpected message %v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubCancelSubscription(t *testing.T) {
	hub := NewHub(WithLogger(log.Nop()))
	c := hub.Channel("abc")
	defer c.Close()

	msgs, cancel, err := c.Subscribe()
	require.NoError(t, err)
	cancel()
	cancel()
	// channel gets closed once the subscription is removed
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-msgs:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestHubClose(t *testing.T) {
	hub := NewHub(WithLogger(log.Nop()))
	c := hub.Channel("abc")
	msgs, cancel, err := c.Subscribe()
	require.NoError(t, err)
	defer cancel()

	c.Close()
	c.Close()
	assert.ErrorIs(t, c.Publish(context.Background(), relay.Reset()), ErrChannelClosed)
	_, _, err = c.Subscribe()
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-msgs:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	// a new handle starts a fresh channel
	c2 := hub.Channel("abc")
	defer c2.Close()
	msgs2, cancel2, err := c2.Subscribe()
	require.NoError(t, err)
	defer cancel2()
	require.NoError(t, c2.Publish(context.Background(), relay.Activate("stop")))
	assert.Equal(t, relay.Activate("stop"), receive(t, msgs2))
}

func TestHubPublishContext(t *testing.T) {
	hub := NewHub(WithLogger(log.Nop()))
	c := hub.Channel("abc")
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// the serve loop may still pick up the message, either outcome is fine
	err := c.Publish(ctx, relay.Reset())
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
