package fleet

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/doorctl/fleetd/pkg/driver"
	"github.com/doorctl/fleetd/pkg/logger"
	"github.com/doorctl/fleetd/pkg/models"
)

// attemptTimeoutCap bounds the escalating per-attempt timeout.
const attemptTimeoutCap = 15 * time.Second

// SessionFunc runs against a verified live session. The context carries the
// attempt timeout.
type SessionFunc func(ctx context.Context, sess driver.Session) error

// ConnManager opens verified sessions with retry. Each attempt widens its
// timeout, and a firmware-version probe after connect guards against
// half-open TCP sessions.
type ConnManager struct {
	driver      driver.Driver
	maxRetries  int
	baseTimeout time.Duration
	sleep       func(time.Duration)
	log         logger.Logger
}

func NewConnManager(drv driver.Driver, settings models.Settings, log logger.Logger) *ConnManager {
	retries := settings.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	base := time.Duration(settings.DefaultTimeout)
	if base <= 0 {
		base = defaultTimeout
	}

	return &ConnManager{
		driver:      drv,
		maxRetries:  retries,
		baseTimeout: base,
		sleep:       time.Sleep,
		log:         log,
	}
}

// WithSession opens a session to dev, verifies it is live, runs fn, and
// releases the session. Connection and liveness failures are retried with
// exponential backoff; fn errors are returned as-is without retry.
func (m *ConnManager) WithSession(ctx context.Context, dev *models.DeviceConfig, fn SessionFunc) error {
	return m.withSession(ctx, dev, m.maxRetries, fn)
}

// WithSessionOnce is WithSession without retries, for the monitoring loop
// which has its own backoff.
func (m *ConnManager) WithSessionOnce(ctx context.Context, dev *models.DeviceConfig, fn SessionFunc) error {
	return m.withSession(ctx, dev, 1, fn)
}

func (m *ConnManager) withSession(ctx context.Context, dev *models.DeviceConfig, attempts int, fn SessionFunc) error {
	base := time.Duration(dev.Timeout)
	if base <= 0 {
		base = m.baseTimeout
	}

	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			m.sleep(time.Duration(1<<(attempt-1)) * time.Second)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		attemptTimeout := base * time.Duration(attempt+1)
		if attemptTimeout > attemptTimeoutCap {
			attemptTimeout = attemptTimeoutCap
		}

		done, err := m.attempt(ctx, dev, attemptTimeout, fn)
		if done {
			return err
		}

		lastErr = err

		m.log.Debug().
			Err(err).
			Str("device_id", dev.ID).
			Int("attempt", attempt+1).
			Dur("timeout", attemptTimeout).
			Msg("Connection attempt failed")
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrConnectFailed, attempts, lastErr)
}

// attempt returns done=true when fn ran, whatever fn returned; done=false
// means the session never became usable and the caller may retry.
func (m *ConnManager) attempt(ctx context.Context, dev *models.DeviceConfig, timeout time.Duration, fn SessionFunc) (bool, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := m.driver.Open(actx, dev)
	if err != nil {
		return false, err
	}

	if _, err := sess.FirmwareVersion(actx); err != nil {
		m.closeSession(sess, dev.ID)

		return false, fmt.Errorf("liveness check failed: %w", err)
	}

	err = fn(actx, sess)
	m.closeSession(sess, dev.ID)

	return true, err
}

func (m *ConnManager) closeSession(sess driver.Session, deviceID string) {
	if err := sess.Close(); err != nil {
		m.log.Warn().Err(err).Str("device_id", deviceID).Msg("Session release failed")
	}
}

// Reachable does a quick TCP dial to check the terminal answers at all.
// It proves network reachability only, not protocol health.
func Reachable(host string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}

	_ = conn.Close()

	return true
}
