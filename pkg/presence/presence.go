package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ohler55/ojg/oj"
	"golang.org/x/mod/semver"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/model"
)

const (
	DefaultTTL       = 30 * time.Second
	DefaultHeartbeat = 10 * time.Second
)

// states announced besides the device label
const (
	StateOnline = "online"
	StateBroken = "broken"
)

// Reporter announces one device instance on a session's presence channel.
type Reporter interface {
	Announce(ctx context.Context, p model.Presence) error
	Leave(ctx context.Context) error
}

// Watcher gives the operator view of the devices present in a session.
type Watcher interface {
	Devices(ctx context.Context) ([]model.Presence, error)
	// Watch emits the full device list after every change until ctx is done.
	Watch(ctx context.Context) (<-chan []model.Presence, error)
}

func BucketName(sessionCode string) string {
	return "presence-" + sessionCode
}

//nolint:tagliatelle // wire format
type presenceRecord struct {
	Device    string `json:"device"`
	Timestamp string `json:"timestamp"`
	State     string `json:"state,omitempty"`
	Error     string `json:"error,omitempty"`
	Version   string `json:"version,omitempty"`
}

func Encode(p model.Presence) []byte {
	rec := map[string]any{
		"device":    p.Device,
		"timestamp": p.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if p.State != "" {
		rec["state"] = p.State
	}
	if p.Error != "" {
		rec["error"] = p.Error
	}
	if p.Version != "" {
		rec["version"] = p.Version
	}
	return []byte(oj.JSON(rec, &oj.Options{Sort: true}))
}

func Decode(data []byte) (model.Presence, error) {
	var rec presenceRecord
	if err := oj.Unmarshal(data, &rec); err != nil {
		return model.Presence{}, fmt.Errorf("invalid presence record: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return model.Presence{}, fmt.Errorf("invalid presence timestamp: %w", err)
	}
	return model.Presence{
		Device:    rec.Device,
		Timestamp: ts,
		State:     rec.State,
		Error:     rec.Error,
		Version:   rec.Version,
	}, nil
}

// Sorted returns the entries ordered by device label
func Sorted(entries map[string]model.Presence) []model.Presence {
	ret := make([]model.Presence, 0, len(entries))
	for _, p := range entries {
		ret = append(ret, p)
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Device == ret[j].Device {
			return ret[i].Timestamp.Before(ret[j].Timestamp)
		}
		return ret[i].Device < ret[j].Device
	})
	return ret
}

// Heartbeat announces current() right away and then every interval until ctx
// is done. The device leaves the channel on exit.
//
//nolint:whitespace // editor/linter issue
func Heartbeat(
	ctx context.Context,
	r Reporter,
	current func() model.Presence,
	interval time.Duration,
	l *log.Logger,
) {
	announce := func() {
		p := current()
		if err := r.Announce(ctx, p); err != nil && ctx.Err() == nil {
			l.Warn("could not announce presence",
				log.String("device", p.Device), log.ErrorField(err))
		}
	}
	announce()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.Leave(leaveCtx); err != nil {
				l.Warn("could not leave presence channel", log.ErrorField(err))
			}
			return
		case <-ticker.C:
			announce()
		}
	}
}

// Outdated reports whether a device runs a version below minVersion.
// Devices without a valid semantic version are considered outdated.
func Outdated(p model.Presence, minVersion string) bool {
	if minVersion == "" {
		return false
	}
	return semver.Compare(canonical(p.Version), canonical(minVersion)) < 0
}

func canonical(v string) string {
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
