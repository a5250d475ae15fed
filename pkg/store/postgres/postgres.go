package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/samber/lo"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/model"
	"github.com/mpapenbr/sprint-relay/pkg/repository"
	legrepo "github.com/mpapenbr/sprint-relay/pkg/repository/leg"
	sessionrepo "github.com/mpapenbr/sprint-relay/pkg/repository/session"
	"github.com/mpapenbr/sprint-relay/pkg/store"
	"github.com/mpapenbr/sprint-relay/pkg/utils/cache"
	"github.com/mpapenbr/sprint-relay/pkg/utils/cache/loadercache"
)

// NotifyChannel is the channel the leg trigger notifies on
const NotifyChannel = "leg_changes"

type (
	// Listener delivers postgres notifications of one channel until ctx is done
	Listener func(ctx context.Context, channel string) (<-chan *pgconn.Notification, error)

	Store struct {
		q        repository.Querier
		listen   Listener
		l        *log.Logger
		sessions cache.Cache[int64, model.Session] // markers never change
	}
	Option func(*Store)
)

func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.l = l
	}
}

func WithListener(listen Listener) Option {
	return func(s *Store) {
		s.listen = listen
	}
}

func New(pool *pgxpool.Pool, opts ...Option) *Store {
	ret := newStore(pool, opts...)
	if ret.listen == nil {
		ret.listen = PoolListener(pool, ret.l)
	}
	return ret
}

func newStore(q repository.Querier, opts ...Option) *Store {
	ret := &Store{
		q: q,
		l: log.Default().Named("store.postgres"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.sessions = loadercache.New(
		loadercache.WithLoader[int64, model.Session](
			func(ctx context.Context, id int64) (*model.Session, error) {
				return sessionrepo.LoadByID(ctx, ret.q, id)
			}),
		loadercache.WithExpiration[int64, model.Session](time.Hour),
		loadercache.WithLogger[int64, model.Session](ret.l.Named("sessions")),
	)
	return ret
}

var _ store.Store = (*Store)(nil)

func (s *Store) CreateSession(ctx context.Context, distances []int) (*model.Session, error) {
	if err := model.ValidateDistances(distances); err != nil {
		return nil, err
	}
	return sessionrepo.Create(ctx, s.q, store.NewSessionCode(), distances)
}

func (s *Store) JoinSession(ctx context.Context, code string) (*model.Session, error) {
	ret, err := sessionrepo.LoadByCode(ctx, s.q, code)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, code)
	}
	return ret, err
}

func (s *Store) CompleteSession(ctx context.Context, sessionID int64) error {
	n, err := sessionrepo.UpdateStatus(ctx, s.q, sessionID, model.SessionCompleted)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", store.ErrSessionNotFound, sessionID)
	}
	return nil
}

//nolint:whitespace // editor/linter issue
func (s *Store) OpenNextLeg(
	ctx context.Context,
	sessionID int64,
	legIndex int,
	startTime time.Time,
) (*model.Leg, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", store.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	if legIndex < 0 || legIndex >= sess.NumLegs() {
		return nil, fmt.Errorf("%w: %d", store.ErrInvalidLegIndex, legIndex)
	}
	if legIndex == 0 {
		if _, err := sessionrepo.UpdateStatus(ctx, s.q, sessionID, model.SessionRunning); err != nil {
			return nil, err
		}
	}
	return legrepo.Create(ctx, s.q, sessionID, legIndex, startTime)
}

//nolint:whitespace // editor/linter issue
func (s *Store) StopTiming(
	ctx context.Context,
	legID int64,
	at time.Time,
) (*model.Leg, error) {
	ret, err := legrepo.Close(ctx, s.q, legID, at)
	if err == nil {
		return ret, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	// nothing was updated, find out why
	existing, err := legrepo.LoadByID(ctx, s.q, legID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", store.ErrLegNotFound, legID)
	}
	if err != nil {
		return nil, err
	}
	if existing.StartTime == nil {
		return nil, fmt.Errorf("%w: id %d", store.ErrLegNotOpen, legID)
	}
	s.l.Info("ignoring stop", log.Int64("leg", legID),
		log.ErrorField(store.ErrAlreadyClosedLeg))
	return existing, nil
}

//nolint:whitespace // editor/linter issue
func (s *Store) LatestLeg(
	ctx context.Context,
	sessionID int64,
	legIndex int,
) (*model.Leg, error) {
	ret, err := legrepo.LoadLatest(ctx, s.q, sessionID, legIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %d index %d",
			store.ErrLegNotFound, sessionID, legIndex)
	}
	return ret, err
}

func (s *Store) Legs(ctx context.Context, sessionID int64) ([]*model.Leg, error) {
	return legrepo.LoadBySession(ctx, s.q, sessionID)
}

//nolint:whitespace,funlen // editor/linter issue
func (s *Store) SubscribeToLeg(
	ctx context.Context,
	sessionID int64,
	predicate store.LegPredicate,
) (legs <-chan *model.Leg, cancel func(), err error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("%w: id %d", store.ErrSessionNotFound, sessionID)
		}
		return nil, nil, err
	}
	lctx, lcancel := context.WithCancel(ctx)
	notifications, err := s.listen(lctx, NotifyChannel)
	if err != nil {
		lcancel()
		return nil, nil, err
	}
	all, err := legrepo.LoadBySession(lctx, s.q, sessionID)
	if err != nil {
		lcancel()
		return nil, nil, err
	}
	matching := lo.Filter(all, func(l *model.Leg, _ int) bool {
		return predicate(l)
	})

	out := make(chan *model.Leg, 8)
	go func() {
		defer close(out)
		send := func(l *model.Leg) bool {
			select {
			case out <- l:
				return true
			case <-lctx.Done():
				return false
			}
		}
		// rows are ordered by id, the last match is the newest
		if len(matching) > 0 && !send(matching[len(matching)-1]) {
			return
		}
		for {
			var n *pgconn.Notification
			var ok bool
			select {
			case <-lctx.Done():
				return
			case n, ok = <-notifications:
				if !ok {
					return
				}
			}
			change, err := parseNotification(n.Payload)
			if err != nil {
				s.l.Warn("ignoring notification", log.String("payload", n.Payload),
					log.ErrorField(err))
				continue
			}
			if change.sessionID != sessionID {
				continue
			}
			leg, err := legrepo.LoadByID(lctx, s.q, change.legID)
			if err != nil {
				if lctx.Err() == nil {
					s.l.Warn("could not load changed leg",
						log.Int64("leg", change.legID), log.ErrorField(err))
				}
				continue
			}
			if predicate(leg) && !send(leg) {
				return
			}
		}
	}()
	return out, lcancel, nil
}

type legChange struct {
	legID     int64
	sessionID int64
	legIndex  int64
}

var (
	idPath        = jp.MustParseString("$.id")
	sessionIDPath = jp.MustParseString("$.session_id")
	legIndexPath  = jp.MustParseString("$.leg_index")
)

func parseNotification(payload string) (legChange, error) {
	obj, err := oj.ParseString(payload)
	if err != nil {
		return legChange{}, err
	}
	get := func(x jp.Expr) (int64, error) {
		v, ok := x.First(obj).(int64)
		if !ok {
			return 0, fmt.Errorf("missing %s", x.String())
		}
		return v, nil
	}
	var ret legChange
	if ret.legID, err = get(idPath); err != nil {
		return legChange{}, err
	}
	if ret.sessionID, err = get(sessionIDPath); err != nil {
		return legChange{}, err
	}
	if ret.legIndex, err = get(legIndexPath); err != nil {
		return legChange{}, err
	}
	return ret, nil
}

// PoolListener acquires a dedicated connection per subscription. The
// connection is taken out of the pool and closed when ctx is done.
func PoolListener(pool *pgxpool.Pool, l *log.Logger) Listener {
	return func(ctx context.Context, channel string) (<-chan *pgconn.Notification, error) {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		conn := c.Hijack()
		if _, err := conn.Exec(ctx, "listen "+pgx.Identifier{channel}.Sanitize()); err != nil {
			_ = conn.Close(context.Background())
			return nil, err
		}
		out := make(chan *pgconn.Notification)
		go func() {
			defer close(out)
			defer func() {
				if err := conn.Close(context.Background()); err != nil {
					l.Debug("error closing listen connection", log.ErrorField(err))
				}
			}()
			for {
				n, err := conn.WaitForNotification(ctx)
				if err != nil {
					if ctx.Err() == nil {
						l.Error("listen connection failed",
							log.String("channel", channel), log.ErrorField(err))
					}
					return
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}
}
