package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/Wyydra/callsig/internal/core/port"
	"github.com/rs/zerolog"
)

// publishWithRetry retries transient relay write failures with exponential
// backoff. The final error wraps domain.ErrSignalPublishFailed.
func publishWithRetry(ctx context.Context, relay port.SignalRelay, msg domain.SignalMessage, attempts int, backoff time.Duration, l zerolog.Logger) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := backoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = relay.Publish(ctx, msg); err == nil {
			return nil
		}
		l.Warn().Err(err).
			Str("type", string(msg.Type)).
			Int("attempt", attempt).
			Msg("Signal publish failed")
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", domain.ErrSignalPublishFailed, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %w", domain.ErrSignalPublishFailed, err)
}
