package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mpapenbr/sprint-relay/pkg/model"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrLegNotFound     = errors.New("leg not found")
	ErrLegNotOpen      = errors.New("leg has no start time")
	ErrInvalidLegIndex = errors.New("invalid leg index")
	// ErrAlreadyClosedLeg is informational. StopTiming logs it and returns the
	// unchanged leg.
	ErrAlreadyClosedLeg = errors.New("leg already closed")
)

// LegPredicate selects the legs a subscriber is interested in
type LegPredicate func(*model.Leg) bool

func ForLegIndex(indexes ...int) LegPredicate {
	return func(l *model.Leg) bool {
		for _, i := range indexes {
			if l.LegIndex == i {
				return true
			}
		}
		return false
	}
}

func AllLegs(*model.Leg) bool { return true }

// Store is the persistence boundary of the relay
type Store interface {
	JoinSession(ctx context.Context, code string) (*model.Session, error)
	// SubscribeToLeg emits the newest leg matching the predicate (if any) and
	// afterwards every inserted or updated leg that matches. The channel is
	// closed after cancel was called or ctx is done.
	SubscribeToLeg(
		ctx context.Context, sessionID int64, predicate LegPredicate,
	) (legs <-chan *model.Leg, cancel func(), err error)
	// StopTiming stamps the end time of an open leg with at, kept strictly
	// after the start time. Closing an already closed leg is a no-op returning
	// the stored leg.
	StopTiming(ctx context.Context, legID int64, at time.Time) (*model.Leg, error)
	OpenNextLeg(
		ctx context.Context, sessionID int64, legIndex int, startTime time.Time,
	) (*model.Leg, error)
	// LatestLeg returns the newest leg with the given index
	LatestLeg(ctx context.Context, sessionID int64, legIndex int) (*model.Leg, error)
	CompleteSession(ctx context.Context, sessionID int64) error
	CreateSession(ctx context.Context, distances []int) (*model.Session, error)
	Legs(ctx context.Context, sessionID int64) ([]*model.Leg, error)
}

// NewSessionCode returns a short random code that is easy to type on a phone
func NewSessionCode() string {
	return uuid.NewString()[:6]
}
