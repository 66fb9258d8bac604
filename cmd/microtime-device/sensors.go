package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/zam-cv/microtime/config"
	"github.com/zam-cv/microtime/device/sensor"
	"github.com/zam-cv/microtime/device/sensor/sim"
	"github.com/zam-cv/microtime/message"
	"github.com/zam-cv/microtime/metric"
)

// buildLoops creates one loop per enabled sensor. Sensors naming the same bus
// share one *sensor.Bus.
func buildLoops(cfgs []config.SensorConfig, sink sensor.Sink, logger *slog.Logger, m *metric.Metrics) ([]*sensor.Loop, error) {
	buses := make(map[string]*sensor.Bus)
	loops := make([]*sensor.Loop, 0, len(cfgs))

	for _, sc := range cfgs {
		if sc.Disabled {
			logger.Info("sensor disabled", "sensor", sc.Kind)
			continue
		}

		driver, conv, err := simulated(sc)
		if err != nil {
			return nil, err
		}

		busName := sc.Bus
		if busName == "" {
			busName = sc.Kind
		}
		bus, ok := buses[busName]
		if !ok {
			bus = sensor.NewBus(busName)
			buses[busName] = bus
		}

		loops = append(loops, sensor.NewLoop(sensor.Config{
			Name:         sc.Name,
			SampleEvery:  sc.SampleEvery,
			LiveEvery:    sc.LiveEvery,
			DurableEvery: sc.DurableEvery,
			ErrorCeiling: sc.ErrorCeiling,
			ErrorWindow:  sc.ErrorWindow,
			ReinitDelay:  sc.ReinitDelay,
		}, bus, driver, conv, sink, sensor.WithLogger(logger), sensor.WithMetrics(m)))
	}
	return loops, nil
}

func simulated(sc config.SensorConfig) (sensor.Driver, sensor.Converter, error) {
	faults := sim.Faults{
		ReadFailureRate: sc.Sim.ReadFailureRate,
		FailReinit:      sc.Sim.FailReinit,
		Seed:            sc.Sim.Seed,
	}

	switch message.Driver(sc.Kind) {
	case message.Temperature:
		return sim.NewThermometer(faults, nil), sensor.Thermometer{}, nil
	case message.Optical:
		bpm := sc.Sim.BPM
		if bpm <= 0 {
			bpm = 72
		}
		return sim.NewPulseOximeter(bpm, faults, nil), sensor.NewHeartMonitor(), nil
	case message.Motion:
		rate := sc.Sim.StepRate
		if rate <= 0 {
			rate = 1.8
		}
		return sim.NewAccelerometer(rate, faults, nil), sensor.NewPedometer(), nil
	case message.Alert:
		every := sc.Sim.PressEvery
		if every <= 0 {
			every = 5 * time.Minute
		}
		return sim.NewButton(every, faults, nil), sensor.NewButton("button pressed"), nil
	default:
		return nil, nil, fmt.Errorf("unknown sensor kind %q", sc.Kind)
	}
}
