// Package errors implements the three-class error taxonomy used across
// microtime.
//
// # Classification
//
//   - Transient: link drops, publish failures, sensor read glitches, an
//     unavailable store. The caller retries, buffers or records the fault.
//   - Invalid: malformed routes, unknown drivers, payloads that fail to
//     decode. The message is dropped and logged.
//   - Fatal: configuration errors and exhausted reconnect budgets. The
//     process stops and a supervisor restarts it.
//
// # Wrapping
//
// All wrapping follows "component.method: action failed: cause":
//
//	if err := uplink.Publish(ctx, route, data); err != nil {
//	    return errors.WrapTransient(err, "Manager", "drain", "publish")
//	}
//
// The wrapped error keeps the cause reachable through errors.Is and
// errors.As, so sentinels such as ErrConnectionLost survive any number of
// wrapping layers.
package errors
