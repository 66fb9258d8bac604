// Package transport defines the message-bus seam between the device, the
// broker and the concrete bus clients in its subpackages.
//
// Routes travel as "<channel>/<driver>" strings; each implementation maps
// them onto its own addressing (MQTT topics, NATS subjects) and back.
package transport

import "context"

// Delivery is one inbound message. Ack must be called once the message has
// been handled; implementations without acknowledgements supply a no-op.
type Delivery struct {
	Route   string
	Payload []byte
	Ack     func()
}

// Handler consumes deliveries. It runs on the client's dispatch goroutine.
type Handler func(ctx context.Context, d Delivery)

// Conn is the connection lifecycle shared by every client.
type Conn interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Close(ctx context.Context) error
	SetConnectionLostHandler(fn func(error))
}

// Publisher sends payloads on a route.
type Publisher interface {
	Publish(ctx context.Context, route string, payload []byte) error
}

// Subscriber delivers messages for a set of routes.
type Subscriber interface {
	Subscribe(ctx context.Context, routes []string, h Handler) error
}

// Uplink is the device side: connect, publish, notice loss.
type Uplink interface {
	Conn
	Publisher
}

// Bus is the broker side: connect and receive.
type Bus interface {
	Conn
	Subscriber
}

// Noop is an Ack for transports that do not acknowledge.
func Noop() {}

// Client is both sides at once. Every implementation in this module is one.
type Client interface {
	Conn
	Publisher
	Subscriber
}
