package nats

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/model"
	"github.com/mpapenbr/sprint-relay/pkg/presence"
)

// Presence keeps one record per device instance in the JetStream key value
// bucket of the session. The bucket TTL removes devices that stopped sending
// heartbeats.
type (
	Presence struct {
		kv    jetstream.KeyValue
		clock func() time.Time
		ttl   time.Duration
		l     *log.Logger
	}
	Option func(*Presence)
)

func WithTTL(ttl time.Duration) Option {
	return func(p *Presence) {
		p.ttl = ttl
	}
}

func WithLogger(l *log.Logger) Option {
	return func(p *Presence) {
		p.l = l
	}
}

func WithClock(clock func() time.Time) Option {
	return func(p *Presence) {
		p.clock = clock
	}
}

//nolint:whitespace // editor/linter issue
func New(
	ctx context.Context,
	conn *nats.Conn,
	sessionCode string,
	opts ...Option,
) (*Presence, error) {
	ret := &Presence{
		clock: time.Now,
		ttl:   presence.DefaultTTL,
		l:     log.Default().Named("presence.nats"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, err
	}
	ret.kv, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      presence.BucketName(sessionCode),
		Description: "device presence of sprint session " + sessionCode,
		TTL:         ret.ttl,
	})
	if err != nil {
		return nil, err
	}
	ret.l = ret.l.With(log.String("bucket", presence.BucketName(sessionCode)))
	return ret, nil
}

// Reporter returns the reporter for one device instance
func (p *Presence) Reporter(instanceID string) presence.Reporter {
	return &reporter{p: p, key: instanceID}
}

type reporter struct {
	p   *Presence
	key string
}

func (r *reporter) Announce(ctx context.Context, rec model.Presence) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.p.clock()
	}
	_, err := r.p.kv.Put(ctx, r.key, presence.Encode(rec))
	return err
}

func (r *reporter) Leave(ctx context.Context) error {
	err := r.p.kv.Delete(ctx, r.key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

var _ presence.Watcher = (*Presence)(nil)

func (p *Presence) Devices(ctx context.Context) ([]model.Presence, error) {
	lister, err := p.kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lister.Stop(); err != nil {
			p.l.Debug("error stopping key lister", log.ErrorField(err))
		}
	}()
	entries := make(map[string]model.Presence)
	for key := range lister.Keys() {
		kve, err := p.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		rec, err := presence.Decode(kve.Value())
		if err != nil {
			p.l.Warn("skipping presence record", log.String("key", key), log.ErrorField(err))
			continue
		}
		entries[key] = rec
	}
	return presence.Sorted(entries), nil
}

func (p *Presence) Watch(ctx context.Context) (<-chan []model.Presence, error) {
	w, err := p.kv.WatchAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan []model.Presence, 1)
	go func() {
		defer close(out)
		defer func() {
			if err := w.Stop(); err != nil {
				p.l.Debug("error stopping watcher", log.ErrorField(err))
			}
		}()
		entries := make(map[string]model.Presence)
		initDone := false
		for {
			var kve jetstream.KeyValueEntry
			var ok bool
			select {
			case <-ctx.Done():
				return
			case kve, ok = <-w.Updates():
				if !ok {
					return
				}
			}
			// nil marks the end of the initial values
			if kve == nil {
				initDone = true
			} else {
				switch kve.Operation() {
				case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
					delete(entries, kve.Key())
				default:
					rec, err := presence.Decode(kve.Value())
					if err != nil {
						p.l.Warn("skipping presence record",
							log.String("key", kve.Key()), log.ErrorField(err))
						continue
					}
					entries[kve.Key()] = rec
				}
			}
			if !initDone {
				continue
			}
			select {
			case out <- presence.Sorted(entries):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
