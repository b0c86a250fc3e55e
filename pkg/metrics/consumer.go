package metrics

import (
	"context"

	"qshield/pkg/models"
)

// Consume counts hub events until ctx ends or ch closes.
func (r *Registry) Consume(ctx context.Context, ch <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			r.IncEvent(string(evt.Type))
			if evt.Type != models.EventZoneViolation {
				continue
			}
			if action, ok := evt.Metadata["action"].(string); ok {
				r.IncZoneViolation(action)
			}
		}
	}
}
