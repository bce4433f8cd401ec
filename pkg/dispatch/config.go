package dispatch

import (
	"github.com/doorctl/fleetd/pkg/bus"
	"github.com/doorctl/fleetd/pkg/fleet"
	"github.com/doorctl/fleetd/pkg/logger"
	"github.com/doorctl/fleetd/pkg/models"
)

// DriverConfig selects the terminal driver implementation.
type DriverConfig struct {
	Type string `json:"type"`
}

// Config is the full daemon configuration as stored in the config file.
type Config struct {
	Logging  *logger.Config        `json:"logging,omitempty"`
	Bus      bus.Config            `json:"bus"`
	Driver   DriverConfig          `json:"driver"`
	Settings models.Settings       `json:"settings"`
	Devices  []models.DeviceConfig `json:"devices"`
}

// Validate fills defaults on every section.
func (c *Config) Validate() error {
	if err := c.Bus.Validate(); err != nil {
		return err
	}

	if c.Driver.Type == "" {
		c.Driver.Type = "sim"
	}

	fleet.ApplySettingsDefaults(&c.Settings)

	return nil
}
