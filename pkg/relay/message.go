package relay

import (
	"errors"
	"fmt"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

type EventType string

const (
	EventActivate EventType = "activate_motion_detection"
	EventReset    EventType = "reset_all_devices"
)

var (
	ErrMalformedMessage = errors.New("malformed relay message")
	ErrUnknownEvent     = errors.New("unknown relay event")
)

// Message is a single broadcast on a session channel.
// TargetDevice is only used by activation messages.
type Message struct {
	Event        EventType
	TargetDevice string
}

func Activate(target string) Message {
	return Message{Event: EventActivate, TargetDevice: target}
}

func Reset() Message {
	return Message{Event: EventReset}
}

func (m Message) String() string {
	if m.Event == EventActivate {
		return fmt.Sprintf("%s(%s)", m.Event, m.TargetDevice)
	}
	return string(m.Event)
}

// ChannelName returns the broadcast channel of a session
func ChannelName(sessionCode string) string {
	return "sprint-broadcast-" + sessionCode
}

// Encode renders the wire format {"event": ..., "payload": {...}}
func Encode(m Message) ([]byte, error) {
	payload := map[string]any{}
	switch m.Event {
	case EventActivate:
		if m.TargetDevice == "" {
			return nil, fmt.Errorf("%w: activation without target", ErrMalformedMessage)
		}
		payload["targetDevice"] = m.TargetDevice
	case EventReset:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, m.Event)
	}
	return []byte(oj.JSON(map[string]any{
		"event":   string(m.Event),
		"payload": payload,
	}, &oj.Options{Sort: true})), nil
}

var (
	eventPath  = jp.MustParseString("$.event")
	targetPath = jp.MustParseString("$.payload.targetDevice")
)

// Decode parses the wire format. Unknown events yield ErrUnknownEvent.
func Decode(data []byte) (Message, error) {
	obj, err := oj.Parse(data)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	event, ok := eventPath.First(obj).(string)
	if !ok {
		return Message{}, fmt.Errorf("%w: missing event", ErrMalformedMessage)
	}
	switch EventType(event) {
	case EventActivate:
		target, ok := targetPath.First(obj).(string)
		if !ok || target == "" {
			return Message{}, fmt.Errorf("%w: missing targetDevice", ErrMalformedMessage)
		}
		return Activate(target), nil
	case EventReset:
		return Reset(), nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
}
