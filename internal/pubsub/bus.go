// Package pubsub is the broadcast fabric shared by presence, typing and
// invite notifications. Topics are plain strings; payloads are Envelopes.
package pubsub

import (
	"classmate/backend/internal/models"
	"context"
	"errors"
)

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("pubsub: bus closed")

// Bus publishes envelopes to topics and delivers them to every subscriber of
// that topic, including the publisher's own subscriptions.
type Bus interface {
	Publish(ctx context.Context, topic string, env models.Envelope) error
	// Subscribe returns a channel of envelopes for topic and a cancel func that
	// tears the subscription down. After cancel no further envelopes are
	// delivered; the channel may or may not be closed.
	Subscribe(ctx context.Context, topic string) (<-chan models.Envelope, func(), error)
}

// subscriberBuffer is the per-subscription queue depth.
const subscriberBuffer = 256
