// Package worker provides a generic bounded worker pool.
//
// The broker uses it to take durable writes off the message delivery path:
// the router submits each decoded envelope and returns immediately, while a
// fixed number of workers perform the inserts. Submit never blocks; a full
// queue yields ErrQueueFull and the caller decides what to do with the item.
//
//	pool := worker.NewPool(4, 256, func(ctx context.Context, w write) error {
//	    return store.Insert(ctx, w.driver, w.env)
//	}, worker.WithErrorHandler(func(w write, err error) {
//	    logger.Warn("durable write failed", "driver", w.driver, "error", err)
//	}))
//	_ = pool.Start(ctx)
//	defer pool.Stop(5 * time.Second)
package worker
