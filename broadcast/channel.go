// Package broadcast propagates renewed session records between instances that share a session,
// so that only one of them has to call the identity provider.
package broadcast

import "context"

// Handler receives one published payload.
type Handler func(payload []byte)

// Channel is a best-effort publish/subscribe pipe between instances. A payload published on a
// channel reaches the subscribers of every other instance attached to the same medium.
// Implementations may also deliver it back to the publisher's own subscribers; receivers filter
// by source.
type Channel interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(handler Handler) (unsubscribe func(), err error)
}
