// Package config loads the configuration shared by the device and broker
// binaries.
//
// Configuration is layered: built-in defaults, then each JSON or YAML file in
// the order added, then MICROTIME_* environment variables. Maps are merged
// field by field; lists (such as device.sensors) are replaced whole.
// Duration fields accept Go duration strings and a day suffix ("14d").
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/device.yaml")
//	loader.AddLayer("configs/site.json") // overrides device.yaml
//	loader.EnableValidation((*config.Config).ValidateDevice)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// # Environment Overrides
//
// Connection details and secrets are best supplied from the environment:
//
//	MICROTIME_DEVICE_UPLINK_URL=tcp://broker:1883
//	MICROTIME_BROKER_STORE_KIND=postgres
//	MICROTIME_BROKER_STORE_DSN=postgres://...
//	MICROTIME_LOG_LEVEL=debug
//
// SafeConfig wraps a loaded Config for concurrent readers; Get returns a deep
// copy.
package config
