package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

type RoleKind int

const (
	RoleStart RoleKind = iota
	RoleIntermediate
	RoleFinish
)

func (k RoleKind) String() string {
	switch k {
	case RoleStart:
		return "start"
	case RoleIntermediate:
		return "intermediate"
	case RoleFinish:
		return "finish"
	default:
		return fmt.Sprintf("RoleKind(%d)", int(k))
	}
}

// TargetStop is the terminal activation target sent after the last marker.
const TargetStop = "stop"

var ErrInvalidRole = errors.New("invalid role")

// Role describes which marker(s) a device is stationed at.
// A start device owns no marker, an intermediate device exactly one and a finish
// device a contiguous tail of markers.
type Role struct {
	Kind      RoleKind
	Distances []int
}

func StartRole() Role {
	return Role{Kind: RoleStart}
}

func IntermediateRole(distance int) Role {
	return Role{Kind: RoleIntermediate, Distances: []int{distance}}
}

func FinishRole(distances ...int) Role {
	return Role{Kind: RoleFinish, Distances: distances}
}

// Label is the presence label of the role
func (r Role) Label() string {
	switch r.Kind {
	case RoleStart:
		return "start"
	case RoleIntermediate:
		return fmt.Sprintf("%dm", r.Distances[0])
	default:
		return fmt.Sprintf("distance-%sm",
			strings.Join(lo.Map(r.Distances, func(d, _ int) string {
				return strconv.Itoa(d)
			}), ","))
	}
}

// Owns reports whether the marker belongs to this role
func (r Role) Owns(distance int) bool {
	return lo.Contains(r.Distances, distance)
}

// TargetFor returns the activation target addressing the given marker.
func TargetFor(distance int) string {
	return strconv.Itoa(distance)
}

// ValidateRole checks the role against the session's marker list.
func ValidateRole(s *Session, r Role) error {
	switch r.Kind {
	case RoleStart:
		if len(r.Distances) != 0 {
			return fmt.Errorf("%w: start device owns no marker", ErrInvalidRole)
		}
		return nil
	case RoleIntermediate:
		if len(r.Distances) != 1 {
			return fmt.Errorf("%w: intermediate device owns exactly one marker", ErrInvalidRole)
		}
	case RoleFinish:
		if len(r.Distances) == 0 {
			return fmt.Errorf("%w: finish device needs at least one marker", ErrInvalidRole)
		}
	default:
		return fmt.Errorf("%w: unknown kind %v", ErrInvalidRole, r.Kind)
	}
	first := s.LegIndexOf(r.Distances[0])
	if first < 0 {
		return fmt.Errorf("%w: marker %d not part of session %s",
			ErrInvalidRole, r.Distances[0], s.Code)
	}
	for i, d := range r.Distances {
		if first+i >= len(s.Distances) || s.Distances[first+i] != d {
			return fmt.Errorf("%w: markers %v are not a contiguous part of %v",
				ErrInvalidRole, r.Distances, s.Distances)
		}
	}
	if r.Kind == RoleFinish && !s.IsLastMarker(r.Distances[len(r.Distances)-1]) {
		return fmt.Errorf("%w: finish tail %v must end at the last marker %d",
			ErrInvalidRole, r.Distances, s.Distances[len(s.Distances)-1])
	}
	if r.Kind == RoleIntermediate && s.IsLastMarker(r.Distances[0]) {
		return fmt.Errorf("%w: marker %d is the last marker, use a finish device",
			ErrInvalidRole, r.Distances[0])
	}
	return nil
}

// NextTarget returns the activation target following the given marker.
func NextTarget(s *Session, distance int) string {
	idx := s.LegIndexOf(distance)
	if idx < 0 || idx+1 >= len(s.Distances) {
		return TargetStop
	}
	return TargetFor(s.Distances[idx+1])
}

// ParseDistances parses a comma separated marker list like "30,60,100"
func ParseDistances(arg string) ([]int, error) {
	parts := lo.Filter(strings.Split(arg, ","), func(s string, _ int) bool {
		return strings.TrimSpace(s) != ""
	})
	ret := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(p), "m"))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDistances, p)
		}
		ret = append(ret, d)
	}
	return ret, ValidateDistances(ret)
}
