package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name  string `json:"name"`
	Port  int    `json:"port"`
	valid bool
}

var errNameRequired = errors.New("name is required")

func (c *testConfig) Validate() error {
	if c.Name == "" {
		return errNameRequired
	}

	if c.Port == 0 {
		c.Port = 4370
	}

	c.valid = true

	return nil
}

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadAndValidate(t *testing.T) {
	path := writeFile(t, `{"name": "fleet", "port": 0}`)

	var cfg testConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	require.NoError(t, err)

	assert.Equal(t, "fleet", cfg.Name)
	assert.Equal(t, 4370, cfg.Port, "Validate should fill defaults")
	assert.True(t, cfg.valid)
}

func TestLoadAndValidateMissingFile(t *testing.T) {
	var cfg testConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), "/nonexistent/config.json", &cfg)
	assert.ErrorIs(t, err, errConfigRead)
}

func TestLoadAndValidateBadJSON(t *testing.T) {
	path := writeFile(t, `{"name": `)

	var cfg testConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	assert.ErrorIs(t, err, errConfigUnmarshal)
}

func TestLoadAndValidatePropagatesValidationError(t *testing.T) {
	path := writeFile(t, `{"port": 9}`)

	var cfg testConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	assert.ErrorIs(t, err, errNameRequired)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	c := NewConfig(nil)

	require.NoError(t, c.Save(path, &testConfig{Name: "fleet", Port: 4370}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got testConfig
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "fleet", got.Name)
	assert.Equal(t, 4370, got.Port)
}
