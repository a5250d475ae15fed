package local

import (
	"context"
	"sync"
	"time"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/model"
	"github.com/mpapenbr/sprint-relay/pkg/presence"
	"github.com/mpapenbr/sprint-relay/pkg/utils/broadcast"
)

// Registry keeps presence records in memory. Records expire after the ttl
// unless refreshed.
type (
	Registry struct {
		clock   func() time.Time
		ttl     time.Duration
		l       *log.Logger
		mu      sync.Mutex
		entries map[string]map[string]model.Presence
		changes chan string
		done    chan struct{}
		once    sync.Once
		bs      broadcast.BroadcastServer[string]
	}
	Option func(*Registry)
)

func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		r.ttl = ttl
	}
}

func WithLogger(l *log.Logger) Option {
	return func(r *Registry) {
		r.l = l
	}
}

func NewRegistry(opts ...Option) *Registry {
	ret := &Registry{
		clock:   time.Now,
		ttl:     presence.DefaultTTL,
		l:       log.Default().Named("presence.local"),
		entries: make(map[string]map[string]model.Presence),
		changes: make(chan string),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.bs = broadcast.NewBroadcastServer("presence", ret.changes,
		broadcast.WithBufferSize[string](8),
		broadcast.WithLogger[string](ret.l))
	return ret
}

func (r *Registry) Close() {
	r.once.Do(func() {
		close(r.done)
		r.bs.Close()
	})
}

func (r *Registry) Reporter(sessionCode, instanceID string) *Reporter {
	return &Reporter{reg: r, bucket: presence.BucketName(sessionCode), key: instanceID}
}

func (r *Registry) Watcher(sessionCode string) *Watcher {
	return &Watcher{reg: r, bucket: presence.BucketName(sessionCode)}
}

func (r *Registry) put(ctx context.Context, bucket, key string, p model.Presence) {
	r.mu.Lock()
	b, ok := r.entries[bucket]
	if !ok {
		b = make(map[string]model.Presence)
		r.entries[bucket] = b
	}
	b[key] = p
	r.mu.Unlock()
	r.notify(ctx, bucket)
}

func (r *Registry) remove(ctx context.Context, bucket, key string) {
	r.mu.Lock()
	delete(r.entries[bucket], key)
	r.mu.Unlock()
	r.notify(ctx, bucket)
}

func (r *Registry) notify(ctx context.Context, bucket string) {
	select {
	case r.changes <- bucket:
	case <-r.done:
	case <-ctx.Done():
	}
}

func (r *Registry) snapshot(bucket string) []model.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	alive := make(map[string]model.Presence)
	for k, p := range r.entries[bucket] {
		if now.Sub(p.Timestamp) <= r.ttl {
			alive[k] = p
		}
	}
	return presence.Sorted(alive)
}

type Reporter struct {
	reg    *Registry
	bucket string
	key    string
}

var _ presence.Reporter = (*Reporter)(nil)

func (r *Reporter) Announce(ctx context.Context, p model.Presence) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = r.reg.clock()
	}
	r.reg.put(ctx, r.bucket, r.key, p)
	return ctx.Err()
}

func (r *Reporter) Leave(ctx context.Context) error {
	r.reg.remove(ctx, r.bucket, r.key)
	return nil
}

type Watcher struct {
	reg    *Registry
	bucket string
}

var _ presence.Watcher = (*Watcher)(nil)

func (w *Watcher) Devices(ctx context.Context) ([]model.Presence, error) {
	return w.reg.snapshot(w.bucket), ctx.Err()
}

func (w *Watcher) Watch(ctx context.Context) (<-chan []model.Presence, error) {
	changes := w.reg.bs.Subscribe()
	out := make(chan []model.Presence, 1)
	go func() {
		defer close(out)
		defer w.reg.bs.CancelSubscription(changes)
		send := func() bool {
			select {
			case out <- w.reg.snapshot(w.bucket):
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case bucket, ok := <-changes:
				if !ok {
					return
				}
				if bucket == w.bucket && !send() {
					return
				}
			}
		}
	}()
	return out, nil
}
