// Package natsbus carries routes over NATS. A route "<channel>/<driver>"
// travels on subject "<prefix>.<channel>.<driver>".
package natsbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/natsclient"
	"github.com/zam-cv/microtime/transport"
)

// DefaultPrefix roots every subject.
const DefaultPrefix = "microtime"

// Bus adapts a natsclient.Client to transport.Uplink and transport.Bus.
type Bus struct {
	client *natsclient.Client
	prefix string
}

var (
	_ transport.Uplink = (*Bus)(nil)
	_ transport.Bus    = (*Bus)(nil)
)

// New wraps client. An empty prefix selects DefaultPrefix.
func New(client *natsclient.Client, prefix string) *Bus {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Bus{client: client, prefix: prefix}
}

// Subject maps a route onto a NATS subject.
func (b *Bus) Subject(route string) string {
	return b.prefix + "." + strings.ReplaceAll(route, "/", ".")
}

// Route maps a subject back onto a route.
func (b *Bus) Route(subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, b.prefix+".")
	if !ok {
		return "", false
	}
	return strings.ReplaceAll(rest, ".", "/"), true
}

func (b *Bus) Connect(ctx context.Context) error {
	return b.client.Connect(ctx)
}

func (b *Bus) IsConnected() bool {
	return b.client.IsConnected()
}

func (b *Bus) Close(ctx context.Context) error {
	return b.client.Close(ctx)
}

func (b *Bus) SetConnectionLostHandler(fn func(error)) {
	b.client.SetConnectionLostHandler(fn)
}

// Publish sends payload on the route's subject.
func (b *Bus) Publish(ctx context.Context, route string, payload []byte) error {
	return b.client.Publish(ctx, b.Subject(route), payload)
}

// Subscribe delivers messages for routes to h. Core NATS has no
// acknowledgements, so Ack is a no-op.
func (b *Bus) Subscribe(ctx context.Context, routes []string, h transport.Handler) error {
	for _, r := range routes {
		err := b.client.Subscribe(ctx, b.Subject(r), func(msgCtx context.Context, subject string, data []byte) {
			route, ok := b.Route(subject)
			if !ok {
				return
			}
			h(msgCtx, transport.Delivery{Route: route, Payload: data, Ack: transport.Noop})
		})
		if err != nil {
			return errors.Wrap(fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
				"Bus", "Subscribe", "subscribe "+r)
		}
	}
	return nil
}
