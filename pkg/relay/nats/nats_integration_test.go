//go:build integration

package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/relay"
	"github.com/mpapenbr/sprint-relay/testsupport/tcnats"
)

func receive(t *testing.T, ch <-chan relay.Message) relay.Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "channel closed")
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
	return relay.Message{}
}

func TestPublishSubscribe(t *testing.T) {
	a := NewChannel(tcnats.Connect(), "it0001", WithLogger(log.Nop()), WithOwnedConn())
	defer a.Close()
	b := NewChannel(tcnats.Connect(), "it0001", WithLogger(log.Nop()), WithOwnedConn())
	defer b.Close()
	other := NewChannel(tcnats.Connect(), "it0002", WithLogger(log.Nop()), WithOwnedConn())
	defer other.Close()

	msgsA, cancelA, err := a.Subscribe()
	require.NoError(t, err)
	defer cancelA()
	msgsB, cancelB, err := b.Subscribe()
	require.NoError(t, err)
	defer cancelB()
	msgsOther, cancelOther, err := other.Subscribe()
	require.NoError(t, err)
	defer cancelOther()
	// subscriptions are registered asynchronously on the server
	require.NoError(t, a.conn.Flush())
	require.NoError(t, b.conn.Flush())
	require.NoError(t, other.conn.Flush())

	ctx := context.Background()
	require.NoError(t, a.Publish(ctx, relay.Activate("60")))
	assert.Equal(t, relay.Activate("60"), receive(t, msgsA))
	assert.Equal(t, relay.Activate("60"), receive(t, msgsB))

	// undecodable payloads are dropped
	require.NoError(t, b.conn.Publish(b.Subject(), []byte(`{"event":"nonsense"}`)))
	require.NoError(t, b.Publish(ctx, relay.Reset()))
	assert.Equal(t, relay.Reset(), receive(t, msgsA))

	select {
	case m := <-msgsOther:
		t.Fatalf("unexpected message on other session: %v", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClose(t *testing.T) {
	c := NewChannel(tcnats.Connect(), "it0003", WithLogger(log.Nop()), WithOwnedConn())
	msgs, _, err := c.Subscribe()
	require.NoError(t, err)
	c.Close()

	_, ok := <-msgs
	assert.False(t, ok, "subscription is closed with the channel")
	assert.ErrorIs(t, c.Publish(context.Background(), relay.Reset()), ErrChannelClosed)
	_, _, err = c.Subscribe()
	assert.ErrorIs(t, err, ErrChannelClosed)
}
