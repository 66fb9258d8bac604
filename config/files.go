package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	maxLayerBytes = 1 << 20
	maxNesting    = 32
	maxEnvValue   = 4096
)

var layerExtensions = []string{".json", ".yaml", ".yml"}

// checkLayerPath accepts relative or absolute JSON/YAML paths that never
// step upwards.
func checkLayerPath(path string) error {
	if path == "" {
		return fmt.Errorf("empty config path")
	}
	if slices.Contains(strings.Split(filepath.ToSlash(path), "/"), "..") {
		return fmt.Errorf("path traversal not allowed: %s", path)
	}
	if !slices.Contains(layerExtensions, strings.ToLower(filepath.Ext(path))) {
		return fmt.Errorf("only JSON or YAML config files allowed: %s", path)
	}
	return nil
}

// readLayer reads at most maxLayerBytes from a regular file.
func readLayer(path string) ([]byte, error) {
	if err := checkLayerPath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxLayerBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxLayerBytes {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxLayerBytes)
	}
	return data, nil
}

// checkNesting walks the JSON token stream and rejects documents nested
// deeper than maxNesting.
func checkNesting(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			if depth++; depth > maxNesting {
				return fmt.Errorf("JSON nested deeper than %d", maxNesting)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValue {
		return fmt.Errorf("environment variable %s longer than %d bytes", key, maxEnvValue)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("null byte in environment variable %s", key)
	}
	return nil
}
