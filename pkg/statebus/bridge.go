package statebus

import (
	"context"
	"encoding/json"
	"time"

	"qshield/pkg/models"

	"github.com/rs/zerolog/log"
)

// Bridge forwards hub events to a producer keyed by session id.
type Bridge struct {
	Producer Producer
	Timeout  time.Duration
}

func (b *Bridge) Run(ctx context.Context, ch <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := b.Forward(ctx, evt); err != nil {
				log.Warn().Err(err).Str("event", string(evt.Type)).Str("session", evt.SessionID).Msg("event_bridge_write_failed")
			}
		}
	}
}

func (b *Bridge) Forward(ctx context.Context, evt models.Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return b.Producer.WriteMessages(ctx, Message{
		Key:     []byte(evt.SessionID),
		Value:   value,
		Headers: map[string]string{HeaderEventType: string(evt.Type)},
	})
}
