// Package retry runs an operation again after transient failures.
//
// Do stops at the first success, at an error marked with Permanent, when the
// context ends, or once the attempt budget is spent. The last case returns an
// error wrapping both ErrExhausted and the final cause.
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms doubling to 5s
//   - Quick(): 10 attempts, 50ms growing to 1s, for startup connections
//   - Constant(n, d): n attempts, d apart
//   - Link(): the device uplink budget, 7 attempts 10s apart
//
// The device link manager uses Link with an OnRetry hook for logging:
//
//	cfg := retry.Link()
//	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
//	    logger.Warn("reconnect failed", "attempt", attempt, "error", err, "next", next)
//	}
//	if err := retry.Do(ctx, cfg, func() error { return uplink.Connect(ctx) }); err != nil {
//	    // escalate
//	}
package retry
