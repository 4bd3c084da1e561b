package pubsub

import (
	"context"
	"errors"
	"strings"
)

// ErrPayloadTooLarge is returned by Publish when the payload exceeds the
// configured bus limit. Callers decide whether to drop or fall back to
// local storage.
var ErrPayloadTooLarge = errors.New("payload exceeds max bus size")

type Publisher interface {
	// Publish sends payload onto the events stream, partitioned by key.
	// Payloads sharing a key are delivered in publish order.
	Publish(ctx context.Context, key string, payload []byte) error
}

type PubSub interface {
	Publisher
	// Subscribe attaches a plain (non-durable) handler to a subject.
	// Mostly useful for tests and local tooling; the web backend consumes
	// the stream durably on its own side.
	Subscribe(ctx context.Context, subject string, handler func(payload []byte) error) (Subscription, error)
	Close()
}

type Subscription interface {
	Unsubscribe() error
}

// EventSubject maps a partition key onto a concrete NATS subject under the
// events prefix. Characters with subject-level meaning are folded so a key
// can never widen the subscription space.
func EventSubject(prefix, key string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '-'
		}
		return r
	}, key)
	if clean == "" {
		clean = "unkeyed"
	}
	return prefix + "." + clean
}
