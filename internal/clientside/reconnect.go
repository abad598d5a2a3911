package clientside

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// runWithReconnect implements spec §4.8's auto-reconnect loop: delay starts
// at ReconnectDelay, doubles on each failed attempt up to MaxReconnectDelay.
// A connection that does not survive MinStableConnection counts toward
// MaxReconnectAttempts; a stable connection resets the counter. Exceeding
// the cap is a terminal close.
func (c *ClientCore) runWithReconnect(ctx context.Context) error {
	delay := c.opts.ReconnectDelay
	attempts := 0

	for {
		connectedAt := time.Now()
		err := c.runOnce(ctx)

		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// A clean session end with auto-reconnect on still reconnects —
			// only ctx cancellation and the attempt cap are terminal.
			err = fmt.Errorf("clientside: session ended, reconnecting")
		}

		if time.Since(connectedAt) >= c.opts.MinStableConnection {
			attempts = 0
			delay = c.opts.ReconnectDelay
		} else {
			attempts++
		}

		if attempts >= c.opts.MaxReconnectAttempts {
			return fmt.Errorf("clientside: reconnect attempts exhausted after %d tries: %w", attempts, err)
		}

		c.logger().Warn("clientside: connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay),
			zap.Int("attempt", attempts),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.opts.MaxReconnectDelay {
			delay = c.opts.MaxReconnectDelay
		}
	}
}
