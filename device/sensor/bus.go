package sensor

import (
	"context"
)

// Bus is the exclusive handle to a shared peripheral bus (I2C, 1-Wire).
// Every driver call made by a Loop runs inside Bus.Do, so loops sharing a bus
// are serialized and loops on different buses never contend.
//
// The composer creates one Bus per physical bus and passes the same pointer
// to every loop whose driver is wired to it.
type Bus struct {
	name string
	sem  chan struct{}
}

// NewBus creates an unlocked bus handle.
func NewBus(name string) *Bus {
	return &Bus{name: name, sem: make(chan struct{}, 1)}
}

// Name identifies the bus in logs.
func (b *Bus) Name() string {
	return b.name
}

// Do runs fn while holding the bus. It gives up with ctx.Err() if the bus
// cannot be acquired before ctx is done.
func (b *Bus) Do(ctx context.Context, fn func() error) error {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.sem }()

	return fn()
}
