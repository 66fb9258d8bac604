// Package health tracks component health for the device and broker binaries
// and serves it as JSON.
//
// A Status is in one of three states. StateHealthy means working,
// StateDegraded means working with reduced function (an outbox that is
// buffering, a store whose breaker is open) and StateUnhealthy means not
// working. Aggregate reports the worst state among its parts.
//
// Components push a Status with Update or register a Check that runs on
// every read:
//
//	monitor := health.NewMonitor()
//	monitor.AddCheck("uplink", func() health.Status {
//		if s := mgr.State(); s != outbox.Connected {
//			return health.NewDegraded("uplink", s.String())
//		}
//		return health.NewHealthy("uplink", "connected")
//	})
//
// Handler answers 503 while any component is unhealthy. FromError replaces
// URLs, addresses, paths and credentials in error text before it is served.
package health
