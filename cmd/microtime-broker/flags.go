package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths []string
	LogLevel    string
	LogFormat   string
	ShowVersion bool
	Validate    bool
}

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configs string
	fs.StringVar(&configs, "config", os.Getenv("MICROTIME_CONFIG"),
		"Comma-separated configuration layers; later files win (env: MICROTIME_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level", os.Getenv("MICROTIME_LOG_LEVEL"),
		"Log level: debug, info, warn, error; overrides the config file (env: MICROTIME_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", os.Getenv("MICROTIME_LOG_FORMAT"),
		"Log format: json, text; overrides the config file (env: MICROTIME_LOG_FORMAT)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		_, _ = fmt.Fprintf(stderr, `%s - telemetry router, store writer and websocket fan-out

Usage: %s [options]

Options:
`, appName, appName)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	for _, p := range strings.Split(configs, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.ConfigPaths = append(cfg.ConfigPaths, p)
		}
	}

	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return nil, fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return nil, fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return cfg, nil
}
