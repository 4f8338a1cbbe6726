package events

import "context"

// Publisher emits submission lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event SubmissionEvent) error
}

// NoopPublisher discards events. Used when the event bus is disabled.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, SubmissionEvent) error { return nil }

var _ Publisher = (*NATSBus)(nil)
var _ Publisher = NoopPublisher{}
