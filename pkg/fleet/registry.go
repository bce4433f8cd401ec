// Package fleet owns the device registry, terminal connections, and the
// fan-out primitives the synchronization and monitoring layers run on.
package fleet

import (
	"fmt"
	"sync"
	"time"

	"github.com/doorctl/fleetd/pkg/logger"
	"github.com/doorctl/fleetd/pkg/models"
)

const (
	defaultDevicePort = 4370
	defaultTimeout    = 5 * time.Second
	defaultMaxRetries = 3
	defaultPollPeriod = 3 * time.Second
	defaultMasterID   = "device_1"
)

// ApplySettingsDefaults fills zero-valued settings fields.
func ApplySettingsDefaults(s *models.Settings) {
	if s.DefaultPort == 0 {
		s.DefaultPort = defaultDevicePort
	}

	if s.DefaultTimeout == 0 {
		s.DefaultTimeout = models.Duration(defaultTimeout)
	}

	if s.MaxRetries == 0 {
		s.MaxRetries = defaultMaxRetries
	}

	if s.PollInterval == 0 {
		s.PollInterval = models.Duration(defaultPollPeriod)
	}

	if s.MasterDeviceID == "" {
		s.MasterDeviceID = defaultMasterID
	}
}

// Saver persists the registry after a mutation. The dispatcher wires this
// to the config file writer. The snapshot is passed in so the saver never
// has to read back through the registry lock.
type Saver func(settings models.Settings, devices []models.DeviceConfig) error

// Registry is the in-memory device table. Mutations go through Add, Update
// and Delete so persistence and validation stay in one place.
type Registry struct {
	mu       sync.RWMutex
	devices  []models.DeviceConfig
	settings models.Settings
	save     Saver
	log      logger.Logger
}

func NewRegistry(settings models.Settings, devices []models.DeviceConfig, log logger.Logger) *Registry {
	ApplySettingsDefaults(&settings)

	r := &Registry{settings: settings, log: log}
	for i := range devices {
		r.normalize(&devices[i])
	}

	r.devices = devices

	return r
}

// SetSaver installs the persistence hook. Mutations before this are
// memory-only.
func (r *Registry) SetSaver(save Saver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.save = save
}

func (r *Registry) normalize(dev *models.DeviceConfig) {
	if dev.Port == 0 {
		dev.Port = r.settings.DefaultPort
	}

	if dev.Timeout == 0 {
		dev.Timeout = r.settings.DefaultTimeout
	}
}

func (r *Registry) validate(dev *models.DeviceConfig) error {
	if dev.Name == "" {
		return errNameRequired
	}

	if dev.Host == "" {
		return errHostRequired
	}

	return nil
}

// Settings returns a copy of the fleet settings.
func (r *Registry) Settings() models.Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.settings
}

// List returns a snapshot of every registered device.
func (r *Registry) List() []models.DeviceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.DeviceConfig, len(r.devices))
	copy(out, r.devices)

	return out
}

// Enabled returns a snapshot of enabled devices. Operations already in
// flight keep the snapshot they started with.
func (r *Registry) Enabled() []models.DeviceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.DeviceConfig, 0, len(r.devices))

	for _, dev := range r.devices {
		if dev.Enabled {
			out = append(out, dev)
		}
	}

	return out
}

// Get looks up a device by id.
func (r *Registry) Get(id string) (models.DeviceConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, dev := range r.devices {
		if dev.ID == id {
			return dev, true
		}
	}

	return models.DeviceConfig{}, false
}

// Add registers a new device. An empty id gets the next free device_N slot.
// The mutation is rolled back if persistence fails.
func (r *Registry) Add(dev models.DeviceConfig) (models.DeviceConfig, error) {
	if err := r.validate(&dev); err != nil {
		return models.DeviceConfig{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if dev.ID == "" {
		dev.ID = r.nextIDLocked()
	} else if r.indexLocked(dev.ID) >= 0 {
		return models.DeviceConfig{}, fmt.Errorf("%w: %s", ErrDeviceExists, dev.ID)
	}

	r.normalize(&dev)
	r.devices = append(r.devices, dev)

	if err := r.persistLocked(); err != nil {
		r.devices = r.devices[:len(r.devices)-1]

		return models.DeviceConfig{}, err
	}

	r.log.Info().Str("device_id", dev.ID).Str("host", dev.Host).Msg("Device added")

	return dev, nil
}

// Update replaces the stored config for dev.ID, keeping the id itself.
func (r *Registry) Update(dev models.DeviceConfig) (models.DeviceConfig, error) {
	if err := r.validate(&dev); err != nil {
		return models.DeviceConfig{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(dev.ID)
	if idx < 0 {
		return models.DeviceConfig{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, dev.ID)
	}

	prev := r.devices[idx]

	r.normalize(&dev)
	r.devices[idx] = dev

	if err := r.persistLocked(); err != nil {
		r.devices[idx] = prev

		return models.DeviceConfig{}, err
	}

	r.log.Info().Str("device_id", dev.ID).Msg("Device updated")

	return dev, nil
}

// Delete removes a device from the registry.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	prev := r.devices[idx]
	r.devices = append(r.devices[:idx], r.devices[idx+1:]...)

	if err := r.persistLocked(); err != nil {
		r.devices = append(r.devices[:idx], append([]models.DeviceConfig{prev}, r.devices[idx:]...)...)

		return err
	}

	r.log.Info().Str("device_id", id).Msg("Device removed")

	return nil
}

// Replace swaps the whole registry state, used by config reload.
func (r *Registry) Replace(settings models.Settings, devices []models.DeviceConfig) {
	ApplySettingsDefaults(&settings)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.settings = settings

	for i := range devices {
		r.normalize(&devices[i])
	}

	r.devices = devices
}

func (r *Registry) indexLocked(id string) int {
	for i, dev := range r.devices {
		if dev.ID == id {
			return i
		}
	}

	return -1
}

func (r *Registry) nextIDLocked() string {
	for n := len(r.devices) + 1; ; n++ {
		id := fmt.Sprintf("device_%d", n)
		if r.indexLocked(id) < 0 {
			return id
		}
	}
}

func (r *Registry) persistLocked() error {
	if r.save == nil {
		return nil
	}

	devices := make([]models.DeviceConfig, len(r.devices))
	copy(devices, r.devices)

	return r.save(r.settings, devices)
}
