// Package config loads and persists JSON configuration files.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/doorctl/fleetd/pkg/logger"
)

var (
	errConfigRead      = errors.New("failed to read config file")
	errConfigUnmarshal = errors.New("failed to parse config file")
	errInvalidPtr      = errors.New("config must be a non-nil pointer")
)

// Validator is implemented by config structs that can default and check
// their own fields after loading.
type Validator interface {
	Validate() error
}

// Config holds the configuration loading dependencies.
type Config struct {
	logger logger.Logger
}

// NewConfig initializes a Config. If log is nil a test logger is used.
func NewConfig(log logger.Logger) *Config {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Config{logger: log}
}

// LoadAndValidate reads a JSON config file into cfg and runs its Validate
// hook when present.
func (c *Config) LoadAndValidate(ctx context.Context, path string, cfg interface{}) error {
	if cfg == nil {
		return errInvalidPtr
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w %s: %w", errConfigRead, path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w %s: %w", errConfigUnmarshal, path, err)
	}

	c.logger.Debug().Str("path", path).Msg("Loaded configuration")

	return ValidateConfig(cfg)
}

// ValidateConfig validates a configuration if it implements Validator.
func ValidateConfig(cfg interface{}) error {
	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}

	return v.Validate()
}

// Save writes cfg back to path atomically. The device registry is mutated
// at runtime through bus commands, so the file is the durable copy.
func (c *Config) Save(path string, cfg interface{}) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")

	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("failed to replace config: %w", err)
	}

	c.logger.Info().Str("path", path).Msg("Saved configuration")

	return nil
}
