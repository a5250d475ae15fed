package model

import "time"

// Split is the computed view of one leg
type Split struct {
	LegIndex   int
	From       int // marker in meters, 0 for the start line
	To         int
	Duration   time.Duration
	Cumulative time.Duration
	Closed     bool
}

// Summary of one relay run
type Summary struct {
	Splits   []Split
	Total    time.Duration
	Complete bool
}

// Summarize computes the splits of the current run. The run begins with the
// newest leg 0 row, every following leg must be newer than its predecessor
// and is only taken into account once the predecessor was closed.
func Summarize(s *Session, legs []*Leg) Summary {
	ret := Summary{Splits: make([]Split, 0, s.NumLegs())}
	run := currentRun(legs)
	if len(run) == 0 {
		return ret
	}
	first := run[0].StartTime
	closed := 0
	for i, l := range run {
		sp := Split{LegIndex: i}
		if i > 0 && i-1 < len(s.Distances) {
			sp.From = s.Distances[i-1]
		}
		if i < len(s.Distances) {
			sp.To = s.Distances[i]
		}
		if d, ok := l.Duration(); ok {
			sp.Duration = d
			sp.Closed = true
			closed++
			if first != nil {
				sp.Cumulative = l.EndTime.Sub(*first)
				ret.Total = sp.Cumulative
			}
		}
		ret.Splits = append(ret.Splits, sp)
	}
	ret.Complete = closed == s.NumLegs()
	return ret
}

// currentRun returns the legs of the newest run ordered by leg index
func currentRun(legs []*Leg) []*Leg {
	var start *Leg
	for _, l := range legs {
		if l.LegIndex == 0 && (start == nil || l.ID > start.ID) {
			start = l
		}
	}
	if start == nil {
		return nil
	}
	latest := make(map[int]*Leg)
	for _, l := range legs {
		if l.ID < start.ID {
			continue
		}
		if cur, ok := latest[l.LegIndex]; !ok || l.ID > cur.ID {
			latest[l.LegIndex] = l
		}
	}
	ret := []*Leg{start}
	for prev := start; prev.Closed(); {
		next, ok := latest[prev.LegIndex+1]
		if !ok || next.ID < prev.ID {
			break
		}
		ret = append(ret, next)
		prev = next
	}
	return ret
}
