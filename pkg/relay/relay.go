package relay

import "context"

// Channel is the broadcast channel shared by all devices of a session.
// Delivery is unordered and unreliable. A publisher may receive its own
// messages.
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe returns decoded messages until cancel is called or the
	// channel is closed. Undecodable messages are dropped.
	Subscribe() (msgs <-chan Message, cancel func(), err error)
	Close()
}
