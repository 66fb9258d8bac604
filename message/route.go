package message

import (
	"fmt"
	"strings"

	"github.com/zam-cv/microtime/errors"
)

// Channel selects how a message is delivered on the backend.
type Channel string

const (
	// Live messages are fanned out to websocket subscribers and never stored.
	Live Channel = "live"
	// Durable messages are persisted and never fanned out.
	Durable Channel = "durable"
)

// Channels lists every channel in routing order.
var Channels = []Channel{Live, Durable}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == Live || c == Durable
}

// Driver names the sensor kind that produced a reading.
type Driver string

const (
	Temperature Driver = "temperature"
	Optical     Driver = "optical"
	Motion      Driver = "motion"
	Alert       Driver = "alert"
)

// Drivers lists every driver.
var Drivers = []Driver{Temperature, Optical, Motion, Alert}

// Valid reports whether d is a known driver.
func (d Driver) Valid() bool {
	switch d {
	case Temperature, Optical, Motion, Alert:
		return true
	}
	return false
}

// ParseDriver maps a driver name to a Driver.
func ParseDriver(s string) (Driver, error) {
	d := Driver(s)
	if !d.Valid() {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownDriver, s), "message", "ParseDriver", "parse driver")
	}
	return d, nil
}

// Route is the (channel, driver) pair a message is published on.
type Route struct {
	Channel Channel
	Driver  Driver
}

// NewRoute is a convenience constructor.
func NewRoute(c Channel, d Driver) Route {
	return Route{Channel: c, Driver: d}
}

func (r Route) String() string {
	return string(r.Channel) + "/" + string(r.Driver)
}

// Valid reports whether both segments are known.
func (r Route) Valid() bool {
	return r.Channel.Valid() && r.Driver.Valid()
}

// ParseRoute parses "<channel>/<driver>". Anything else is rejected.
func ParseRoute(s string) (Route, error) {
	channel, driver, ok := strings.Cut(s, "/")
	if !ok || strings.Contains(driver, "/") {
		return Route{}, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownRoute, s), "message", "ParseRoute", "split route")
	}

	r := Route{Channel: Channel(channel), Driver: Driver(driver)}
	if !r.Valid() {
		return Route{}, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownRoute, s), "message", "ParseRoute", "validate route")
	}
	return r, nil
}

// AllRoutes returns every channel and driver combination.
func AllRoutes() []Route {
	routes := make([]Route, 0, len(Channels)*len(Drivers))
	for _, c := range Channels {
		for _, d := range Drivers {
			routes = append(routes, Route{Channel: c, Driver: d})
		}
	}
	return routes
}
