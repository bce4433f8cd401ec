// Package monitor runs the per-device live event loops: poll the terminal
// log, classify new events, publish them, and back off while a terminal is
// unreachable without ever giving up on it.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/doorctl/fleetd/pkg/bus"
	"github.com/doorctl/fleetd/pkg/driver"
	"github.com/doorctl/fleetd/pkg/fleet"
	"github.com/doorctl/fleetd/pkg/logger"
	"github.com/doorctl/fleetd/pkg/models"
)

const (
	// settleDelay gives a freshly started device a beat before the first
	// cache seed.
	settleDelay = 500 * time.Millisecond

	maxPollInterval     = 30 * time.Second
	maxBackoffShift     = 3
	failureLogThrottle  = 5
	cacheRefreshPeriod  = 10 * time.Minute
	pollTimeout         = 10 * time.Second
	defaultHistoryLimit = 50
)

// Manager owns one monitoring loop per enabled device.
type Manager struct {
	registry *fleet.Registry
	conns    *fleet.ConnManager
	cache    *fleet.IdentityCache
	pub      bus.Publisher
	clock    Clock
	log      logger.Logger

	mu       sync.Mutex
	monitors map[string]*deviceMonitor
}

func NewManager(registry *fleet.Registry, conns *fleet.ConnManager, cache *fleet.IdentityCache,
	pub bus.Publisher, log logger.Logger) *Manager {
	return &Manager{
		registry: registry,
		conns:    conns,
		cache:    cache,
		pub:      pub,
		clock:    realClock{},
		log:      log,
		monitors: make(map[string]*deviceMonitor),
	}
}

// StartAll begins monitoring every enabled device.
func (m *Manager) StartAll() {
	for _, dev := range m.registry.Enabled() {
		m.Start(dev)
	}
}

// Start begins monitoring one device. At most one loop runs per device id.
func (m *Manager) Start(dev models.DeviceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.monitors[dev.ID]; running {
		return
	}

	mon := &deviceMonitor{
		dev:      dev,
		mgr:      m,
		interval: time.Duration(m.registry.Settings().PollInterval),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	m.monitors[dev.ID] = mon

	go mon.run()

	m.log.Info().Str("device_id", dev.ID).Msg("Live monitoring started")
}

// Stop halts one device's loop and discards its state. The loop exits at
// the next poll boundary.
func (m *Manager) Stop(deviceID string) {
	m.mu.Lock()
	mon, ok := m.monitors[deviceID]

	if ok {
		delete(m.monitors, deviceID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	close(mon.stop)
	<-mon.done
	m.cache.Forget(deviceID)

	m.log.Info().Str("device_id", deviceID).Msg("Live monitoring stopped")
}

// StopAll halts every loop, used at shutdown and config reload.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.monitors))

	for id := range m.monitors {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id)
	}
}

// DeviceStatus is one loop's state snapshot.
type DeviceStatus struct {
	DeviceID      string     `json:"device_id"`
	DeviceName    string     `json:"device_name"`
	Running       bool       `json:"running"`
	LastEventTime *time.Time `json:"last_event_time,omitempty"`
	IntervalSec   float64    `json:"interval_seconds"`
	Failures      int        `json:"consecutive_failures"`
}

// Status reports every loop's state, sorted by device id.
func (m *Manager) Status() []DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DeviceStatus, 0, len(m.monitors))

	for _, mon := range m.monitors {
		out = append(out, mon.snapshot())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })

	return out
}

// History fans out an attendance log read, classifies every entry, and
// returns them newest first.
func (m *Manager) History(ctx context.Context, deviceID string, limit int) *models.Response {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	targets := m.registry.Enabled()

	if deviceID != "" {
		dev, ok := m.registry.Get(deviceID)
		if !ok {
			return models.NewResponse(models.StatusError, fmt.Sprintf("%s: %s", fleet.ErrDeviceNotFound, deviceID), nil)
		}

		targets = []models.DeviceConfig{dev}
	}

	var (
		mu     sync.Mutex
		events []models.AccessEvent
	)

	exec := fleet.NewExecutor(m.log)

	agg, err := exec.Run(ctx, targets, "getAttendanceHistory", func(ctx context.Context, dev models.DeviceConfig) fleet.Result {
		var raws []models.RawEvent

		err := m.conns.WithSession(ctx, &dev, func(ctx context.Context, sess driver.Session) error {
			var err error
			raws, err = sess.ListEvents(ctx)

			return err
		})
		if err != nil {
			return fleet.Failure(err.Error())
		}

		mu.Lock()
		for _, raw := range raws {
			id, _ := m.cache.Lookup(dev.ID, raw.UID)
			events = append(events, Classify(raw, &dev, id.Name))
		}
		mu.Unlock()

		return fleet.Success(fmt.Sprintf("%d events", len(raws)))
	})
	if err != nil {
		return models.NewResponse(models.StatusError, err.Error(), nil)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.After(events[j].Timestamp) })

	if len(events) > limit {
		events = events[:limit]
	}

	return models.NewResponse(models.StatusSuccess,
		fmt.Sprintf("%d events from %d devices", len(events), agg.Total),
		map[string]interface{}{"events": events, "limit": limit, "result": agg})
}

// RefreshCache re-seeds the identity cache for one device or the fleet.
func (m *Manager) RefreshCache(ctx context.Context, deviceID string) *models.Response {
	targets := m.registry.Enabled()

	if deviceID != "" {
		dev, ok := m.registry.Get(deviceID)
		if !ok {
			return models.NewResponse(models.StatusError, fmt.Sprintf("%s: %s", fleet.ErrDeviceNotFound, deviceID), nil)
		}

		targets = []models.DeviceConfig{dev}
	}

	exec := fleet.NewExecutor(m.log)

	agg, err := exec.Run(ctx, targets, "refreshUserCache", func(ctx context.Context, dev models.DeviceConfig) fleet.Result {
		n, err := m.cache.Refresh(ctx, &dev)
		if err != nil {
			return fleet.Failure(err.Error())
		}

		return fleet.Success(fmt.Sprintf("%d identities cached", n))
	})
	if err != nil {
		return models.NewResponse(models.StatusError, err.Error(), nil)
	}

	return models.NewResponse(agg.Status(),
		fmt.Sprintf("cache refreshed on %d/%d devices", agg.Successful, agg.Total),
		map[string]interface{}{"result": agg})
}

// deviceMonitor is one device's polling loop.
type deviceMonitor struct {
	dev  models.DeviceConfig
	mgr  *Manager
	stop chan struct{}
	done chan struct{}

	mu       sync.Mutex
	lastSeen time.Time
	interval time.Duration
	failures int
}

func (d *deviceMonitor) snapshot() DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := DeviceStatus{
		DeviceID:    d.dev.ID,
		DeviceName:  d.dev.Name,
		Running:     true,
		IntervalSec: d.interval.Seconds(),
		Failures:    d.failures,
	}

	if !d.lastSeen.IsZero() {
		t := d.lastSeen
		st.LastEventTime = &t
	}

	return st
}

func (d *deviceMonitor) currentInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.interval
}

func (d *deviceMonitor) run() {
	defer close(d.done)

	base := time.Duration(d.mgr.registry.Settings().PollInterval)

	select {
	case <-d.stop:
		return
	case <-d.mgr.clock.After(settleDelay):
	}

	d.refreshCache()

	lastRefresh := d.mgr.clock.Now()

	for {
		select {
		case <-d.stop:
			return
		case <-d.mgr.clock.After(d.currentInterval()):
		}

		d.poll(base)

		if d.mgr.clock.Now().Sub(lastRefresh) >= cacheRefreshPeriod {
			d.refreshCache()

			lastRefresh = d.mgr.clock.Now()
		}
	}
}

func (d *deviceMonitor) refreshCache() {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()

	if _, err := d.mgr.cache.Refresh(ctx, &d.dev); err != nil {
		d.mgr.log.Debug().Err(err).Str("device_id", d.dev.ID).Msg("Cache seed failed")
	}
}

func (d *deviceMonitor) poll(base time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()

	var events []models.RawEvent

	err := d.mgr.conns.WithSessionOnce(ctx, &d.dev, func(ctx context.Context, sess driver.Session) error {
		var err error
		events, err = sess.ListEvents(ctx)

		return err
	})
	if err != nil {
		d.onFailure(base, err)

		return
	}

	d.onSuccess(base)

	newest := newestEvent(events)
	if newest == nil {
		return
	}

	d.mu.Lock()
	fresh := d.lastSeen.IsZero() || newest.Timestamp.After(d.lastSeen)

	if fresh {
		d.lastSeen = newest.Timestamp
	}
	d.mu.Unlock()

	if !fresh {
		return
	}

	d.emit(ctx, *newest)
}

func newestEvent(events []models.RawEvent) *models.RawEvent {
	if len(events) == 0 {
		return nil
	}

	newest := &events[0]

	for i := range events[1:] {
		if events[i+1].Timestamp.After(newest.Timestamp) {
			newest = &events[i+1]
		}
	}

	return newest
}

func (d *deviceMonitor) emit(ctx context.Context, raw models.RawEvent) {
	id := d.mgr.cache.Resolve(ctx, &d.dev, raw.UID)
	ev := Classify(raw, &d.dev, id.Name)

	bus.PublishJSON(d.mgr.pub, d.mgr.log, bus.SubjectAttendanceLive, ev)

	// Compatibility record for consumers of the flat attendance feed.
	bus.PublishJSON(d.mgr.pub, d.mgr.log, bus.SubjectAttendanceRecord, map[string]interface{}{
		"device_id": d.dev.ID,
		"uid":       raw.UID,
		"timestamp": raw.Timestamp,
		"status":    raw.Status,
		"punch":     raw.Punch,
	})

	d.mgr.log.Info().
		Str("device_id", d.dev.ID).
		Str("name", ev.Name).
		Bool("granted", ev.Granted).
		Str("action", ev.Action).
		Msg("Access event")
}

func (d *deviceMonitor) onSuccess(base time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.failures = 0
	d.interval = base
}

// onFailure widens the poll interval exponentially up to a cap. The loop
// never abandons a device; an offline terminal keeps getting probed at the
// capped interval.
func (d *deviceMonitor) onFailure(base time.Duration, err error) {
	d.mu.Lock()
	d.failures++
	failures := d.failures

	shift := failures
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}

	next := base * (1 << shift)
	if next > maxPollInterval {
		next = maxPollInterval
	}

	d.interval = next
	d.mu.Unlock()

	evt := d.mgr.log.Debug()
	if failures <= 2 || failures%failureLogThrottle == 0 {
		evt = d.mgr.log.Warn()
	}

	evt.Err(err).
		Str("device_id", d.dev.ID).
		Int("failures", failures).
		Dur("next_interval", next).
		Msg("Poll failed")
}
