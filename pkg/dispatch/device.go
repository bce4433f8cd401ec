package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doorctl/fleetd/pkg/driver"
	"github.com/doorctl/fleetd/pkg/fleet"
	"github.com/doorctl/fleetd/pkg/models"
)

var (
	errDeviceIDRequired = errors.New("device_id is required")
	errForceRequired    = errors.New("restarting the whole fleet requires force=true")
	errConfirmRequired  = errors.New("resetDevice requires confirm=true")
	errBadResetType     = errors.New("reset_type must be users, attendance, or all")
)

type deviceRequest struct {
	ID       string          `json:"id"`
	DeviceID string          `json:"device_id"`
	Name     string          `json:"name"`
	Host     string          `json:"host"`
	IP       string          `json:"ip"`
	Port     int             `json:"port"`
	Password int             `json:"password"`
	Timeout  models.Duration `json:"timeout"`
	ForceUDP bool            `json:"force_udp"`
	Enabled  *bool           `json:"enabled"`

	Time      string `json:"time"`
	Force     bool   `json:"force"`
	Confirm   bool   `json:"confirm"`
	ResetType string `json:"reset_type"`
	Netmask   string `json:"netmask"`
	Gateway   string `json:"gateway"`
}

// device builds a DeviceConfig from the request, accepting "ip" as an
// alias for "host".
func (r *deviceRequest) device() models.DeviceConfig {
	host := r.Host
	if host == "" {
		host = r.IP
	}

	dev := models.DeviceConfig{
		ID:       r.ID,
		Name:     r.Name,
		Host:     host,
		Port:     r.Port,
		Password: r.Password,
		Timeout:  r.Timeout,
		ForceUDP: r.ForceUDP,
	}

	if r.Enabled != nil {
		dev.Enabled = *r.Enabled
	}

	return dev
}

func (s *Service) handleDevice(ctx context.Context, command string, raw []byte) *models.Response {
	cmd, ok := ParseDeviceCommand(command)
	if !ok {
		return unknownCommand(command)
	}

	var req deviceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return badPayload(err)
	}

	switch cmd {
	case DeviceTestConnection:
		return s.testConnection(ctx, req.DeviceID)
	case DeviceAdd:
		return s.addDevice(&req)
	case DeviceUpdate:
		return s.updateDevice(&req)
	case DeviceDelete:
		return s.deleteDevice(req.DeviceID)
	case DeviceList:
		return s.listDevices()
	case DeviceSetTime:
		return s.setDeviceTime(ctx, &req)
	case DeviceGetTime:
		return s.getDeviceTime(ctx, req.DeviceID)
	case DeviceInfo:
		return s.deviceInfo(ctx, req.DeviceID)
	case DeviceRestart:
		return s.restartDevice(ctx, &req)
	case DeviceSetNetwork:
		return s.setDeviceNetwork(ctx, &req)
	case DeviceReset:
		return s.resetDevice(ctx, &req)
	default:
		return unknownCommand(command)
	}
}

func (s *Service) lookupDevice(deviceID string) (models.DeviceConfig, *models.Response) {
	if deviceID == "" {
		return models.DeviceConfig{}, models.NewResponse(models.StatusError, errDeviceIDRequired.Error(), nil)
	}

	dev, ok := s.registry.Get(deviceID)
	if !ok {
		return models.DeviceConfig{}, models.NewResponse(models.StatusError,
			fmt.Sprintf("%s: %s", fleet.ErrDeviceNotFound, deviceID), nil)
	}

	return dev, nil
}

// testConnection probes one device, or the whole fleet when no device_id
// is given, reporting firmware and response time per device.
func (s *Service) testConnection(ctx context.Context, deviceID string) *models.Response {
	probe := func(ctx context.Context, dev models.DeviceConfig) fleet.Result {
		start := time.Now()

		var firmware string

		err := s.conns.WithSession(ctx, &dev, func(ctx context.Context, sess driver.Session) error {
			var err error
			firmware, err = sess.FirmwareVersion(ctx)

			return err
		})
		if err != nil {
			return fleet.Failure(err.Error())
		}

		return fleet.Success("device reachable").WithData(map[string]interface{}{
			"firmware":         firmware,
			"response_time_ms": time.Since(start).Milliseconds(),
		})
	}

	targets := s.registry.Enabled()

	if deviceID != "" {
		dev, errResp := s.lookupDevice(deviceID)
		if errResp != nil {
			return errResp
		}

		targets = []models.DeviceConfig{dev}
	}

	agg, err := s.exec.Run(ctx, targets, "testConnection", probe)
	if err != nil {
		return models.NewResponse(models.StatusError, err.Error(), nil)
	}

	return models.NewResponse(agg.Status(),
		fmt.Sprintf("%d/%d devices reachable", agg.Successful, agg.Total),
		map[string]interface{}{"result": agg})
}

func (s *Service) addDevice(req *deviceRequest) *models.Response {
	dev := req.device()
	if req.Enabled == nil {
		dev.Enabled = true
	}

	added, err := s.registry.Add(dev)
	if err != nil {
		return models.NewResponse(models.StatusError, err.Error(), nil)
	}

	if added.Enabled {
		s.monitor.Start(added)
	}

	return models.NewResponse(models.StatusSuccess,
		fmt.Sprintf("device %q added as %s", added.Name, added.ID),
		map[string]interface{}{"device": added})
}

func (s *Service) updateDevice(req *deviceRequest) *models.Response {
	dev := req.device()
	if dev.ID == "" {
		dev.ID = req.DeviceID
	}

	current, errResp := s.lookupDevice(dev.ID)
	if errResp != nil {
		return errResp
	}

	if req.Enabled == nil {
		dev.Enabled = current.Enabled
	}

	updated, err := s.registry.Update(dev)
	if err != nil {
		return models.NewResponse(models.StatusError, err.Error(), nil)
	}

	// The loop keeps the old config until restarted.
	s.monitor.Stop(updated.ID)

	if updated.Enabled {
		s.monitor.Start(updated)
	}

	return models.NewResponse(models.StatusSuccess,
		fmt.Sprintf("device %s updated", updated.ID),
		map[string]interface{}{"device": updated})
}

func (s *Service) deleteDevice(deviceID string) *models.Response {
	if _, errResp := s.lookupDevice(deviceID); errResp != nil {
		return errResp
	}

	s.monitor.Stop(deviceID)

	if err := s.registry.Delete(deviceID); err != nil {
		return models.NewResponse(models.StatusError, err.Error(), nil)
	}

	return models.NewResponse(models.StatusSuccess, fmt.Sprintf("device %s removed", deviceID), nil)
}

func (s *Service) listDevices() *models.Response {
	devices := s.registry.List()

	enabled := 0

	for i := range devices {
		devices[i].Password = 0

		if devices[i].Enabled {
			enabled++
		}
	}

	return models.NewResponse(models.StatusSuccess,
		fmt.Sprintf("%d devices, %d enabled", len(devices), enabled),
		map[string]interface{}{
			"devices":       devices,
			"total_devices": len(devices),
			"enabled":       enabled,
		})
}

func (s *Service) setDeviceTime(ctx context.Context, req *deviceRequest) *models.Response {
	dev, errResp := s.lookupDevice(req.DeviceID)
	if errResp != nil {
		return errResp
	}

	target := time.Now()

	if req.Time != "" {
		parsed, err := time.Parse(time.RFC3339, req.Time)
		if err != nil {
			return badPayload(fmt.Errorf("time must be RFC3339: %w", err))
		}

		target = parsed
	}

	err := s.conns.WithSession(ctx, &dev, func(ctx context.Context, sess driver.Session) error {
		return sess.SetTime(ctx, target)
	})
	if err != nil {
		return models.NewResponse(models.StatusFailed, err.Error(), nil)
	}

	return models.NewResponse(models.StatusSuccess,
		fmt.Sprintf("device clock set to %s", target.Format(time.RFC3339)),
		map[string]interface{}{"device_id": dev.ID, "time": target})
}

func (s *Service) getDeviceTime(ctx context.Context, deviceID string) *models.Response {
	dev, errResp := s.lookupDevice(deviceID)
	if errResp != nil {
		return errResp
	}

	var clock time.Time

	err := s.conns.WithSession(ctx, &dev, func(ctx context.Context, sess driver.Session) error {
		var err error
		clock, err = sess.GetTime(ctx)

		return err
	})
	if err != nil {
		return models.NewResponse(models.StatusFailed, err.Error(), nil)
	}

	drift := time.Since(clock).Round(time.Second)

	return models.NewResponse(models.StatusSuccess, "device clock read",
		map[string]interface{}{"device_id": dev.ID, "time": clock, "drift_seconds": drift.Seconds()})
}

func (s *Service) deviceInfo(ctx context.Context, deviceID string) *models.Response {
	dev, errResp := s.lookupDevice(deviceID)
	if errResp != nil {
		return errResp
	}

	var (
		firmware                 string
		users, templates, events int
	)

	err := s.conns.WithSession(ctx, &dev, func(ctx context.Context, sess driver.Session) error {
		var err error

		firmware, err = sess.FirmwareVersion(ctx)
		if err != nil {
			return err
		}

		users, templates, events, err = sess.Counts(ctx)

		return err
	})
	if err != nil {
		return models.NewResponse(models.StatusFailed, err.Error(), nil)
	}

	return models.NewResponse(models.StatusSuccess, "device info read",
		map[string]interface{}{
			"device_id": dev.ID,
			"name":      dev.Name,
			"firmware":  firmware,
			"users":     users,
			"templates": templates,
			"events":    events,
		})
}

func (s *Service) restartDevice(ctx context.Context, req *deviceRequest) *models.Response {
	restart := func(ctx context.Context, dev models.DeviceConfig) fleet.Result {
		err := s.conns.WithSession(ctx, &dev, func(ctx context.Context, sess driver.Session) error {
			return sess.Restart(ctx)
		})
		if err != nil {
			return fleet.Failure(err.Error())
		}

		return fleet.Success("restart issued")
	}

	if req.DeviceID != "" {
		dev, errResp := s.lookupDevice(req.DeviceID)
		if errResp != nil {
			return errResp
		}

		r := restart(ctx, dev)

		if r.Status != models.StatusSuccess {
			return models.NewResponse(models.StatusFailed, r.Message, nil)
		}

		return models.NewResponse(models.StatusSuccess, fmt.Sprintf("device %s restarting", dev.ID), nil)
	}

	if !req.Force {
		return models.NewResponse(models.StatusError, errForceRequired.Error(), nil)
	}

	agg, err := s.exec.Run(ctx, s.registry.Enabled(), "restartDevice", restart)
	if err != nil {
		return models.NewResponse(models.StatusError, err.Error(), nil)
	}

	return models.NewResponse(agg.Status(),
		fmt.Sprintf("restart issued on %d/%d devices", agg.Successful, agg.Total),
		map[string]interface{}{"result": agg})
}

func (s *Service) setDeviceNetwork(ctx context.Context, req *deviceRequest) *models.Response {
	dev, errResp := s.lookupDevice(req.DeviceID)
	if errResp != nil {
		return errResp
	}

	if req.IP == "" {
		return badPayload(errors.New("ip is required"))
	}

	err := s.conns.WithSession(ctx, &dev, func(ctx context.Context, sess driver.Session) error {
		return sess.SetNetwork(ctx, req.IP, req.Netmask, req.Gateway)
	})
	if err != nil {
		return models.NewResponse(models.StatusFailed, err.Error(), nil)
	}

	return models.NewResponse(models.StatusSuccess,
		fmt.Sprintf("network reconfigured, device will answer at %s", req.IP),
		map[string]interface{}{"device_id": dev.ID, "ip": req.IP})
}

func (s *Service) resetDevice(ctx context.Context, req *deviceRequest) *models.Response {
	dev, errResp := s.lookupDevice(req.DeviceID)
	if errResp != nil {
		return errResp
	}

	if !req.Confirm {
		return models.NewResponse(models.StatusError, errConfirmRequired.Error(), nil)
	}

	var wipe func(ctx context.Context, sess driver.Session) error

	switch req.ResetType {
	case "users":
		wipe = func(ctx context.Context, sess driver.Session) error {
			return sess.ClearUsers(ctx)
		}
	case "attendance":
		wipe = func(ctx context.Context, sess driver.Session) error {
			return sess.ClearEvents(ctx)
		}
	case "all":
		wipe = func(ctx context.Context, sess driver.Session) error {
			if err := sess.ClearUsers(ctx); err != nil {
				return err
			}

			if err := sess.ClearTemplates(ctx); err != nil {
				return err
			}

			return sess.ClearEvents(ctx)
		}
	default:
		return models.NewResponse(models.StatusError, errBadResetType.Error(), nil)
	}

	if err := s.conns.WithSession(ctx, &dev, wipe); err != nil {
		return models.NewResponse(models.StatusFailed, err.Error(), nil)
	}

	s.cache.Forget(dev.ID)

	return models.NewResponse(models.StatusSuccess,
		fmt.Sprintf("device %s reset (%s)", dev.ID, req.ResetType), nil)
}
