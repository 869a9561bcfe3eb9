package backstop

import (
	"context"
	"log/slog"
)

// NonCritical runs a side-effect whose failure must never propagate.
//
// This is the explicit convention for cosmetic follow-up steps after the
// durable step of a sequence has already succeeded (clearing a counter after
// an ack, recording the new message id after a replay). The failure is logged
// at warn level and swallowed; the next pass is expected to self-heal.
//
// Example:
//
//	backstop.NonCritical(ctx, q.logger, "clear reclaim counter", func(ctx context.Context) error {
//	    return q.counters.Clear(ctx, id)
//	})
func NonCritical(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("non-critical side effect failed", "op", op, "error", err)
	}
}
