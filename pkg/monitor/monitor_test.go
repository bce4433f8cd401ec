package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/doorctl/fleetd/pkg/bus"
	"github.com/doorctl/fleetd/pkg/driver/drivertest"
	"github.com/doorctl/fleetd/pkg/fleet"
	"github.com/doorctl/fleetd/pkg/logger"
	"github.com/doorctl/fleetd/pkg/models"
)

// fakeClock records every After duration and fires a bounded number of
// them immediately, letting tests step the poll loop deterministically.
type fakeClock struct {
	mu     sync.Mutex
	afters []time.Duration
	fires  int
}

func (c *fakeClock) Now() time.Time { return time.Now() }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.afters = append(c.afters, d)

	ch := make(chan time.Time, 1)

	if c.fires > 0 {
		c.fires--
		ch <- time.Time{}
	}

	return ch
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]time.Duration, len(c.afters))
	copy(out, c.afters)

	return out
}

type pubRecorder struct {
	mu   sync.Mutex
	msgs []struct {
		subject string
		data    []byte
	}
}

func (p *pubRecorder) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.msgs = append(p.msgs, struct {
		subject string
		data    []byte
	}{subject, data})

	return nil
}

func (p *pubRecorder) bySubject(subject string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out [][]byte

	for _, m := range p.msgs {
		if m.subject == subject {
			out = append(out, m.data)
		}
	}

	return out
}

func newTestManager(sess *drivertest.MockSession, clock Clock, pub bus.Publisher) (*Manager, models.DeviceConfig) {
	log := logger.NewTestLogger()
	dev := models.DeviceConfig{ID: "door", Name: "Main Door", Host: "10.0.0.20", Port: 4370, Enabled: true}

	registry := fleet.NewRegistry(models.Settings{MaxRetries: 1}, []models.DeviceConfig{dev}, log)
	conns := fleet.NewConnManager(drivertest.AlwaysOpen(sess), registry.Settings(), log)
	cache := fleet.NewIdentityCache(conns, log)

	m := NewManager(registry, conns, cache, pub, log)
	m.clock = clock

	return m, registry.Enabled()[0]
}

func waitForAfters(t *testing.T, clock *fakeClock, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(clock.recorded()) >= n
	}, 2*time.Second, time.Millisecond)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	sess := drivertest.HealthySession()
	sess.On("ListUsers", mock.Anything).Return([]models.User{}, nil)
	sess.On("ListEvents", mock.Anything).Return(nil, errors.New("device offline"))

	clock := &fakeClock{fires: 5}
	m, dev := newTestManager(sess, clock, &pubRecorder{})

	m.Start(dev)
	waitForAfters(t, clock, 6)
	m.Stop(dev.ID)

	// Settle, then base 3s, doubling per failure, capped at 3s*2^3=24s.
	assert.Equal(t, []time.Duration{
		settleDelay,
		3 * time.Second,
		6 * time.Second,
		12 * time.Second,
		24 * time.Second,
		24 * time.Second,
	}, clock.recorded())
}

func TestIntervalResetsAfterRecovery(t *testing.T) {
	sess := drivertest.HealthySession()
	sess.On("ListUsers", mock.Anything).Return([]models.User{}, nil)
	sess.On("ListEvents", mock.Anything).Return(nil, errors.New("offline")).Once()
	sess.On("ListEvents", mock.Anything).Return([]models.RawEvent{}, nil)

	clock := &fakeClock{fires: 3}
	m, dev := newTestManager(sess, clock, &pubRecorder{})

	m.Start(dev)
	waitForAfters(t, clock, 4)
	m.Stop(dev.ID)

	// One failure widens the interval, the next success snaps it back.
	assert.Equal(t, []time.Duration{
		settleDelay,
		3 * time.Second,
		6 * time.Second,
		3 * time.Second,
	}, clock.recorded())
}

func TestEmitsOnlyUnseenNewestEvent(t *testing.T) {
	ts := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)

	sess := drivertest.HealthySession()
	sess.On("ListUsers", mock.Anything).Return([]models.User{{UID: 5, Name: "Bob"}}, nil)
	sess.On("ListEvents", mock.Anything).Return([]models.RawEvent{
		{UID: 5, Timestamp: ts.Add(-time.Minute), Status: 1, Punch: 0},
		{UID: 5, Timestamp: ts, Status: 1, Punch: 1},
	}, nil)

	pub := &pubRecorder{}
	clock := &fakeClock{fires: 3}
	m, dev := newTestManager(sess, clock, pub)

	m.Start(dev)
	waitForAfters(t, clock, 4)
	m.Stop(dev.ID)

	// Two polls saw the same newest event; it is published exactly once,
	// and only the newest entry goes out.
	live := pub.bySubject(bus.SubjectAttendanceLive)
	require.Len(t, live, 1)

	var ev models.AccessEvent
	require.NoError(t, json.Unmarshal(live[0], &ev))
	assert.True(t, ev.Granted)
	assert.Equal(t, "Bob", ev.Name)
	assert.Equal(t, "Exit", ev.Action)
	assert.True(t, ev.Timestamp.Equal(ts))

	record := pub.bySubject(bus.SubjectAttendanceRecord)
	assert.Len(t, record, 1)
}

func TestStartIsIdempotentPerDevice(t *testing.T) {
	sess := drivertest.HealthySession()
	sess.On("ListUsers", mock.Anything).Return([]models.User{}, nil)

	clock := &fakeClock{}
	m, dev := newTestManager(sess, clock, &pubRecorder{})

	m.Start(dev)
	m.Start(dev)

	status := m.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "door", status[0].DeviceID)
	assert.True(t, status[0].Running)
	assert.Equal(t, 3.0, status[0].IntervalSec)

	m.StopAll()
	assert.Empty(t, m.Status())
}

func TestHistorySortsNewestFirstAndLimits(t *testing.T) {
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)

	sess := drivertest.HealthySession()
	sess.On("ListEvents", mock.Anything).Return([]models.RawEvent{
		{UID: 1, Timestamp: base, Status: 1},
		{UID: 2, Timestamp: base.Add(2 * time.Minute), Status: 1},
		{UID: 3, Timestamp: base.Add(time.Minute), Status: 1},
	}, nil)

	m, _ := newTestManager(sess, &fakeClock{}, &pubRecorder{})

	resp := m.History(context.Background(), "", 2)
	require.Equal(t, models.StatusSuccess, resp.Status)

	events := resp.Data.(map[string]interface{})["events"].([]models.AccessEvent)
	require.Len(t, events, 2)
	assert.True(t, events[0].Timestamp.After(events[1].Timestamp))
	assert.True(t, events[0].Timestamp.Equal(base.Add(2*time.Minute)))
}

func TestHistoryUnknownDevice(t *testing.T) {
	m, _ := newTestManager(drivertest.HealthySession(), &fakeClock{}, &pubRecorder{})

	resp := m.History(context.Background(), "ghost", 10)
	assert.Equal(t, models.StatusError, resp.Status)
}

func TestRefreshCache(t *testing.T) {
	sess := drivertest.HealthySession()
	sess.On("ListUsers", mock.Anything).Return([]models.User{{UID: 1, Name: "Ada"}}, nil)

	m, dev := newTestManager(sess, &fakeClock{}, &pubRecorder{})

	resp := m.RefreshCache(context.Background(), dev.ID)
	require.Equal(t, models.StatusSuccess, resp.Status)

	id, hit := m.cache.Lookup(dev.ID, 1)
	assert.True(t, hit)
	assert.Equal(t, "Ada", id.Name)
}
