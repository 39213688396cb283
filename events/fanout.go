package events

import (
	"context"
	"errors"

	"taskboard/domain"
)

// Fanout publishes every event to each notifier in turn.
type Fanout []domain.Notifier

func (f Fanout) Publish(ctx context.Context, ev domain.TaskEvent) error {
	var errs []error
	for _, n := range f {
		if err := n.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
