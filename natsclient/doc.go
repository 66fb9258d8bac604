// Package natsclient wraps a NATS connection and its JetStream context for the
// broker and, optionally, the device uplink.
//
// The client tracks connection status, forwards connection loss to a single
// handler and owns every subscription and stream consumer it creates, so
// Close tears them down together.
//
// Two reconnect styles are supported. The broker leaves WithMaxReconnects at
// its default (-1) and lets nats.go redial forever. The device passes
// WithMaxReconnects(0) so a lost connection closes and its own link manager
// decides when, and whether, to call Connect again.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("microtime-broker"),
//	    natsclient.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
//	err = client.Subscribe(ctx, "microtime.>", func(ctx context.Context, subject string, data []byte) {
//	    // handle
//	})
//
// JetStream streams are created with EnsureStream and consumed with
// ConsumeStream; handlers acknowledge messages themselves.
//
// For tests, NewTestClient starts a NATS server in a container via
// testcontainers-go and returns a connected Client.
package natsclient
