// Package drivertest provides testify mocks for the driver contract,
// shared by the fleet, sync, monitor and dispatch tests.
package drivertest

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/doorctl/fleetd/pkg/driver"
	"github.com/doorctl/fleetd/pkg/models"
)

// MockDriver implements driver.Driver.
type MockDriver struct {
	mock.Mock
}

func (m *MockDriver) Open(ctx context.Context, dev *models.DeviceConfig) (driver.Session, error) {
	args := m.Called(ctx, dev)

	if s := args.Get(0); s != nil {
		return s.(driver.Session), args.Error(1)
	}

	return nil, args.Error(1)
}

// MockSession implements driver.Session.
type MockSession struct {
	mock.Mock
}

func (m *MockSession) FirmwareVersion(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockSession) ListUsers(ctx context.Context) ([]models.User, error) {
	args := m.Called(ctx)

	if u := args.Get(0); u != nil {
		return u.([]models.User), args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockSession) SetUser(ctx context.Context, user models.User) error {
	return m.Called(ctx, user).Error(0)
}

func (m *MockSession) DeleteUser(ctx context.Context, uid uint16) error {
	return m.Called(ctx, uid).Error(0)
}

func (m *MockSession) ListTemplates(ctx context.Context) ([]models.Template, error) {
	args := m.Called(ctx)

	if t := args.Get(0); t != nil {
		return t.([]models.Template), args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockSession) GetTemplate(ctx context.Context, uid uint16, fid uint8) (*models.Template, error) {
	args := m.Called(ctx, uid, fid)

	if t := args.Get(0); t != nil {
		return t.(*models.Template), args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockSession) SaveTemplate(ctx context.Context, user models.User, tmpl *models.Template) error {
	return m.Called(ctx, user, tmpl).Error(0)
}

func (m *MockSession) DeleteTemplate(ctx context.Context, uid uint16, fid uint8) error {
	return m.Called(ctx, uid, fid).Error(0)
}

func (m *MockSession) EnrollUser(ctx context.Context, uid uint16, fid uint8) error {
	return m.Called(ctx, uid, fid).Error(0)
}

func (m *MockSession) ListEvents(ctx context.Context) ([]models.RawEvent, error) {
	args := m.Called(ctx)

	if e := args.Get(0); e != nil {
		return e.([]models.RawEvent), args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockSession) GetTime(ctx context.Context) (time.Time, error) {
	args := m.Called(ctx)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *MockSession) SetTime(ctx context.Context, t time.Time) error {
	return m.Called(ctx, t).Error(0)
}

func (m *MockSession) SetNetwork(ctx context.Context, ip, netmask, gateway string) error {
	return m.Called(ctx, ip, netmask, gateway).Error(0)
}

func (m *MockSession) Counts(ctx context.Context) (int, int, int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Int(1), args.Int(2), args.Error(3)
}

func (m *MockSession) Disable(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockSession) Enable(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockSession) Restart(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockSession) ClearUsers(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockSession) ClearEvents(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockSession) ClearTemplates(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockSession) PlayVoice(ctx context.Context, index int) error {
	return m.Called(ctx, index).Error(0)
}

func (m *MockSession) Close() error {
	return m.Called().Error(0)
}

// HealthySession returns a session mock preconfigured to pass the liveness
// probe and close cleanly.
func HealthySession() *MockSession {
	sess := &MockSession{}
	sess.On("FirmwareVersion", mock.Anything).Return("Ver 6.60", nil)
	sess.On("Close").Return(nil)

	return sess
}

// AlwaysOpen returns a driver mock that hands out sess for every device.
func AlwaysOpen(sess *MockSession) *MockDriver {
	drv := &MockDriver{}
	drv.On("Open", mock.Anything, mock.Anything).Return(sess, nil)

	return drv
}
