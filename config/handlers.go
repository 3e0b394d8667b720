package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"lautenbacher.net/dhtiot/rpc"
)

// ErrInvalidArgs is returned by the Config.Set handler for a payload that
// can't be decoded or fails validation.
var ErrInvalidArgs = fmt.Errorf("invalid configuration: %w", rpc.ErrInvalidArgs)

// GetHandler returns the Config.Get RPC handler. It reads the file on every
// request so the answer always reflects what is on disk.
func GetHandler(cfile string) func(context.Context, json.RawMessage) (any, error) {
	return func(_ context.Context, _ json.RawMessage) (any, error) {
		slog.Info("Handling Config.Get request")
		conf, err := ReadConfig(cfile)
		if err != nil {
			slog.Error("Failed to read config file for RPC", "error", err)
			return nil, err
		}
		return conf.Runtime(), nil
	}
}

// SetHandler returns the Config.Set RPC handler. The runtime settings are
// merged into the full configuration on disk, validated and written back,
// which triggers a reload through the file watcher.
func SetHandler(cfile string) func(context.Context, json.RawMessage) (any, error) {
	return func(_ context.Context, args json.RawMessage) (any, error) {
		slog.Info("Handling Config.Set request")
		var rc RuntimeConfig
		if err := json.Unmarshal(args, &rc); err != nil {
			slog.Error("Failed to decode incoming JSON", "error", err)
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
		}

		conf, err := ReadConfig(cfile)
		if err != nil {
			slog.Error("Failed to read existing config for update", "error", err)
			return nil, err
		}
		conf.Merge(rc)
		if err := conf.Validate(); err != nil {
			slog.Error("Validation failed for new config", "error", err)
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
		}

		yamlData, err := yaml.Marshal(conf)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		if err := os.WriteFile(cfile, yamlData, 0o644); err != nil {
			slog.Error("Failed to write updated config file", "error", err)
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
		slog.Info("Successfully updated config file, application will reload.")
		return map[string]bool{"saved": true}, nil
	}
}
