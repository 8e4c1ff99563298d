package messaging

import (
	"context"
	"errors"
)

// Publisher is the sink the controller emits events through. The NATS
// client, the websocket hub, and test recorders all satisfy it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Fanout publishes each event to every wrapped publisher. Failures do
// not stop delivery to the remaining sinks.
type Fanout []Publisher

// Publish delivers to all sinks and joins any errors.
func (f Fanout) Publish(ctx context.Context, subject string, data interface{}) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, subject, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopPublisher discards every event. Used when no broker is configured.
type NopPublisher struct{}

// Publish drops the event.
func (NopPublisher) Publish(ctx context.Context, subject string, data interface{}) error {
	return nil
}
