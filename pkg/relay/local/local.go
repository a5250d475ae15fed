package local

import (
	"context"
	"errors"
	"sync"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/relay"
	"github.com/mpapenbr/sprint-relay/pkg/utils/broadcast"
)

var ErrChannelClosed = errors.New("channel closed")

// Hub is an in-process relay. All channels obtained for the same session code
// share one broadcast server. Messages pass through the wire codec.
type (
	Hub struct {
		l        *log.Logger
		mu       sync.Mutex
		channels map[string]*hubChannel
	}
	Option func(*Hub)

	hubChannel struct {
		name   string
		source chan []byte
		bs     broadcast.BroadcastServer[[]byte]
		refs   int
	}
)

func WithLogger(l *log.Logger) Option {
	return func(h *Hub) {
		h.l = l
	}
}

func NewHub(opts ...Option) *Hub {
	ret := &Hub{
		l:        log.Default().Named("relay.local"),
		channels: make(map[string]*hubChannel),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Channel returns a handle on the session's broadcast channel.
func (h *Hub) Channel(sessionCode string) *Channel {
	name := relay.ChannelName(sessionCode)
	h.mu.Lock()
	defer h.mu.Unlock()
	hc, ok := h.channels[name]
	if !ok {
		source := make(chan []byte)
		hc = &hubChannel{
			name:   name,
			source: source,
			bs: broadcast.NewBroadcastServer(name, source,
				broadcast.WithBufferSize[[]byte](16),
				broadcast.WithLogger[[]byte](h.l)),
		}
		h.channels[name] = hc
	}
	hc.refs++
	return &Channel{hub: h, hc: hc, done: make(chan struct{}), l: h.l.With(log.String("channel", name))}
}

func (h *Hub) release(hc *hubChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hc.refs--
	if hc.refs > 0 {
		return
	}
	delete(h.channels, hc.name)
	hc.bs.Close()
}

// Channel implements relay.Channel on top of a Hub
type Channel struct {
	hub       *Hub
	hc        *hubChannel
	l         *log.Logger
	done      chan struct{}
	closeOnce sync.Once
}

var _ relay.Channel = (*Channel)(nil)

func (c *Channel) Publish(ctx context.Context, msg relay.Message) error {
	data, err := relay.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case c.hc.source <- data:
		c.l.Debug("published", log.String("msg", msg.String()))
		return nil
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) Subscribe() (msgs <-chan relay.Message, cancel func(), err error) {
	select {
	case <-c.done:
		return nil, nil, ErrChannelClosed
	default:
	}
	data := c.hc.bs.Subscribe()
	out := make(chan relay.Message, 16)
	stop := make(chan struct{})
	go func() {
		defer close(out)
		for d := range data {
			m, err := relay.Decode(d)
			if err != nil {
				c.l.Warn("dropping message", log.ErrorField(err))
				continue
			}
			select {
			case out <- m:
			case <-stop:
			}
		}
	}()
	var once sync.Once
	cancel = func() {
		once.Do(func() {
			close(stop)
			c.hc.bs.CancelSubscription(data)
		})
	}
	return out, cancel, nil
}

func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.release(c.hc)
	})
}
