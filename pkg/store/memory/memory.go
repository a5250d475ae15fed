package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/model"
	"github.com/mpapenbr/sprint-relay/pkg/store"
	"github.com/mpapenbr/sprint-relay/pkg/utils/broadcast"
)

// Store keeps sessions and legs in memory. Session creation times are taken
// from the injected clock.
type (
	Store struct {
		clock func() time.Time
		l     *log.Logger

		mu          sync.Mutex
		nextSession int64
		nextLeg     int64
		sessions    map[int64]*model.Session
		codes       map[string]int64
		legs        map[int64]*model.Leg

		changes   chan *model.Leg
		bs        broadcast.BroadcastServer[*model.Leg]
		done      chan struct{}
		closeOnce sync.Once
	}
	Option func(*Store)
)

func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.l = l
	}
}

func New(opts ...Option) *Store {
	ret := &Store{
		clock:    time.Now,
		l:        log.Default().Named("store.memory"),
		sessions: make(map[int64]*model.Session),
		codes:    make(map[string]int64),
		legs:     make(map[int64]*model.Leg),
		changes:  make(chan *model.Leg),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.bs = broadcast.NewBroadcastServer("legs", ret.changes,
		broadcast.WithBufferSize[*model.Leg](16),
		broadcast.WithLogger[*model.Leg](ret.l))
	return ret
}

var _ store.Store = (*Store)(nil)

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bs.Close()
	})
}

func (s *Store) CreateSession(ctx context.Context, distances []int) (*model.Session, error) {
	if err := model.ValidateDistances(distances); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	code := store.NewSessionCode()
	for _, ok := s.codes[code]; ok; _, ok = s.codes[code] {
		code = store.NewSessionCode()
	}
	s.nextSession++
	sess := &model.Session{
		ID:        s.nextSession,
		Code:      code,
		Distances: append([]int(nil), distances...),
		CreatedAt: s.clock(),
		Status:    model.SessionCreated,
	}
	s.sessions[sess.ID] = sess
	s.codes[code] = sess.ID
	return copySession(sess), ctx.Err()
}

func (s *Store) JoinSession(ctx context.Context, code string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, code)
	}
	return copySession(s.sessions[id]), ctx.Err()
}

func (s *Store) CompleteSession(ctx context.Context, sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: id %d", store.ErrSessionNotFound, sessionID)
	}
	sess.Status = model.SessionCompleted
	return ctx.Err()
}

//nolint:whitespace // editor/linter issue
func (s *Store) OpenNextLeg(
	ctx context.Context,
	sessionID int64,
	legIndex int,
	startTime time.Time,
) (*model.Leg, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: id %d", store.ErrSessionNotFound, sessionID)
	}
	if legIndex < 0 || legIndex >= sess.NumLegs() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", store.ErrInvalidLegIndex, legIndex)
	}
	if legIndex == 0 {
		sess.Status = model.SessionRunning
	}
	s.nextLeg++
	start := startTime
	leg := &model.Leg{
		ID:        s.nextLeg,
		SessionID: sessionID,
		LegIndex:  legIndex,
		StartTime: &start,
	}
	s.legs[leg.ID] = leg
	ret := copyLeg(leg)
	s.mu.Unlock()

	s.publish(copyLeg(leg))
	return ret, ctx.Err()
}

//nolint:whitespace // editor/linter issue
func (s *Store) StopTiming(
	ctx context.Context,
	legID int64,
	at time.Time,
) (*model.Leg, error) {
	s.mu.Lock()
	leg, ok := s.legs[legID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: id %d", store.ErrLegNotFound, legID)
	}
	if leg.StartTime == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: id %d", store.ErrLegNotOpen, legID)
	}
	if leg.Closed() {
		ret := copyLeg(leg)
		s.mu.Unlock()
		s.l.Info("ignoring stop", log.Int64("leg", legID),
			log.ErrorField(store.ErrAlreadyClosedLeg))
		return ret, nil
	}
	end := model.ClampEnd(*leg.StartTime, at)
	leg.EndTime = &end
	ret := copyLeg(leg)
	s.mu.Unlock()

	s.publish(copyLeg(leg))
	return ret, ctx.Err()
}

//nolint:whitespace // editor/linter issue
func (s *Store) LatestLeg(
	ctx context.Context,
	sessionID int64,
	legIndex int,
) (*model.Leg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ret := s.latestLocked(sessionID, store.ForLegIndex(legIndex)); ret != nil {
		return ret, ctx.Err()
	}
	return nil, fmt.Errorf("%w: session %d index %d", store.ErrLegNotFound, sessionID, legIndex)
}

func (s *Store) Legs(ctx context.Context, sessionID int64) ([]*model.Leg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("%w: id %d", store.ErrSessionNotFound, sessionID)
	}
	ret := make([]*model.Leg, 0)
	for _, l := range s.legs {
		if l.SessionID == sessionID {
			ret = append(ret, copyLeg(l))
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, ctx.Err()
}

//nolint:whitespace,funlen // editor/linter issue
func (s *Store) SubscribeToLeg(
	ctx context.Context,
	sessionID int64,
	predicate store.LegPredicate,
) (legs <-chan *model.Leg, cancel func(), err error) {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: id %d", store.ErrSessionNotFound, sessionID)
	}
	s.mu.Unlock()

	changes := s.bs.Subscribe()
	s.mu.Lock()
	initial := s.latestLocked(sessionID, predicate)
	s.mu.Unlock()

	out := make(chan *model.Leg, 8)
	stop := make(chan struct{})
	var once sync.Once
	cancel = func() {
		once.Do(func() { close(stop) })
	}
	go func() {
		defer close(out)
		defer s.bs.CancelSubscription(changes)
		send := func(l *model.Leg) bool {
			select {
			case out <- l:
				return true
			case <-stop:
			case <-ctx.Done():
			}
			return false
		}
		if initial != nil && !send(initial) {
			return
		}
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case l, ok := <-changes:
				if !ok {
					return
				}
				if l.SessionID != sessionID || !predicate(l) {
					continue
				}
				if !send(copyLeg(l)) {
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

func (s *Store) latestLocked(sessionID int64, predicate store.LegPredicate) *model.Leg {
	var ret *model.Leg
	for _, l := range s.legs {
		if l.SessionID != sessionID || !predicate(l) {
			continue
		}
		if ret == nil || l.ID > ret.ID {
			ret = l
		}
	}
	if ret == nil {
		return nil
	}
	return copyLeg(ret)
}

func (s *Store) publish(l *model.Leg) {
	select {
	case s.changes <- l:
	case <-s.done:
	}
}

func copyLeg(l *model.Leg) *model.Leg {
	ret := *l
	if l.StartTime != nil {
		t := *l.StartTime
		ret.StartTime = &t
	}
	if l.EndTime != nil {
		t := *l.EndTime
		ret.EndTime = &t
	}
	return &ret
}

func copySession(s *model.Session) *model.Session {
	ret := *s
	ret.Distances = append([]int(nil), s.Distances...)
	return &ret
}
