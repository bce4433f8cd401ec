package dispatch

import (
	"context"
	"time"

	"github.com/doorctl/fleetd/pkg/models"
)

func (s *Service) handleSystem(ctx context.Context, command string, _ []byte) *models.Response {
	cmd, ok := ParseSystemCommand(command)
	if !ok {
		return unknownCommand(command)
	}

	switch cmd {
	case SystemStatus:
		return s.systemStatus()
	case SystemGetConfig:
		return s.systemConfig()
	case SystemReloadConfig:
		return s.reloadConfig(ctx)
	default:
		return unknownCommand(command)
	}
}

func (s *Service) systemStatus() *models.Response {
	devices := s.registry.List()

	enabled := 0

	for _, dev := range devices {
		if dev.Enabled {
			enabled++
		}
	}

	return models.NewResponse(models.StatusSuccess, "service status",
		map[string]interface{}{
			"uptime_seconds":  time.Since(s.started).Seconds(),
			"total_devices":   len(devices),
			"enabled_devices": enabled,
			"monitoring":      s.monitor.Status(),
		})
}

// systemConfig returns the running configuration with device passwords
// masked.
func (s *Service) systemConfig() *models.Response {
	devices := s.registry.List()
	for i := range devices {
		devices[i].Password = 0
	}

	return models.NewResponse(models.StatusSuccess, "running configuration",
		map[string]interface{}{
			"settings": s.registry.Settings(),
			"devices":  devices,
			"bus_url":  s.cfg.Bus.URL,
		})
}

// reloadConfig re-reads the config file, swaps the registry, and restarts
// every monitoring loop against the new device set.
func (s *Service) reloadConfig(ctx context.Context) *models.Response {
	if s.cfgPath == "" {
		return models.NewResponse(models.StatusError, "no config file to reload", nil)
	}

	var fresh Config

	if err := s.cfgLoader.LoadAndValidate(ctx, s.cfgPath, &fresh); err != nil {
		return models.NewResponse(models.StatusError, err.Error(), nil)
	}

	s.monitor.StopAll()
	s.registry.Replace(fresh.Settings, fresh.Devices)
	s.cfg.Settings = fresh.Settings
	s.cfg.Devices = fresh.Devices
	s.monitor.StartAll()

	s.log.Info().Int("devices", len(fresh.Devices)).Msg("Configuration reloaded")

	return models.NewResponse(models.StatusSuccess, "configuration reloaded",
		map[string]interface{}{"devices": len(fresh.Devices)})
}
