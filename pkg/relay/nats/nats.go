package nats

import (
	"context"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/relay"
)

var ErrChannelClosed = errors.New("channel closed")

// Channel implements relay.Channel on a core NATS subject named after the
// session's broadcast channel. Publishing is fire and forget.
type (
	Channel struct {
		conn      *nats.Conn
		subject   string
		ownsConn  bool
		l         *log.Logger
		mu        sync.Mutex
		subs      map[*nats.Subscription]func()
		closed    bool
		closeOnce sync.Once
	}
	Option func(*Channel)
)

func WithLogger(l *log.Logger) Option {
	return func(c *Channel) {
		c.l = l
	}
}

// WithOwnedConn closes the connection when the channel is closed
func WithOwnedConn() Option {
	return func(c *Channel) {
		c.ownsConn = true
	}
}

func NewChannel(conn *nats.Conn, sessionCode string, opts ...Option) *Channel {
	ret := &Channel{
		conn:    conn,
		subject: relay.ChannelName(sessionCode),
		l:       log.Default().Named("relay.nats"),
		subs:    make(map[*nats.Subscription]func()),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.l = ret.l.With(log.String("subject", ret.subject))
	return ret
}

var _ relay.Channel = (*Channel)(nil)

func (c *Channel) Subject() string {
	return c.subject
}

func (c *Channel) Publish(ctx context.Context, msg relay.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	data, err := relay.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.conn.Publish(c.subject, data); err != nil {
		return err
	}
	c.l.Debug("published", log.String("msg", msg.String()))
	return nil
}

//nolint:whitespace // editor/linter issue
func (c *Channel) Subscribe() (
	msgs <-chan relay.Message, cancel func(), err error,
) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrChannelClosed
	}
	out := make(chan relay.Message, 16)
	var (
		outMu   sync.Mutex
		stopped bool
	)
	sub, err := c.conn.Subscribe(c.subject, func(m *nats.Msg) {
		decoded, err := relay.Decode(m.Data)
		if err != nil {
			c.l.Warn("dropping message", log.ErrorField(err))
			return
		}
		outMu.Lock()
		defer outMu.Unlock()
		if stopped {
			return
		}
		select {
		case out <- decoded:
		default:
			c.l.Warn("subscriber not ready, dropping message",
				log.String("msg", decoded.String()))
		}
	})
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	stop := func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				c.l.Warn("error unsubscribing", log.ErrorField(err))
			}
			outMu.Lock()
			stopped = true
			close(out)
			outMu.Unlock()
		})
	}
	c.subs[sub] = stop
	cancel = func() {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		stop()
	}
	return out, cancel, nil
}

func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()
		for _, stop := range subs {
			stop()
		}
		if c.ownsConn {
			c.conn.Close()
		}
	})
}
