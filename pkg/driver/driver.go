// Package driver defines the contract a terminal protocol implementation
// must satisfy. The orchestration layers never see wire formats; they see
// sessions.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/doorctl/fleetd/pkg/models"
)

var (
	// ErrNotSupported marks an operation the terminal model cannot perform,
	// such as remote enrollment or template transfer.
	ErrNotSupported = errors.New("operation not supported by device model")

	// ErrEnrollRejected means the terminal refused to start or complete an
	// enrollment, typically a bad uid, a full template slot, or a device
	// in an unexpected state.
	ErrEnrollRejected = errors.New("device rejected enrollment")

	// ErrTemplateNotFound means the requested template slot holds no data.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrUserNotFound means the terminal has no record for the uid.
	ErrUserNotFound = errors.New("user not found")
)

// Driver opens sessions against terminals.
type Driver interface {
	Open(ctx context.Context, dev *models.DeviceConfig) (Session, error)
}

// Session is a live connection to one terminal. Implementations are not
// safe for concurrent use; the fleet layer gives each task its own session.
type Session interface {
	FirmwareVersion(ctx context.Context) (string, error)

	ListUsers(ctx context.Context) ([]models.User, error)
	SetUser(ctx context.Context, user models.User) error
	DeleteUser(ctx context.Context, uid uint16) error

	ListTemplates(ctx context.Context) ([]models.Template, error)
	GetTemplate(ctx context.Context, uid uint16, fid uint8) (*models.Template, error)
	SaveTemplate(ctx context.Context, user models.User, tmpl *models.Template) error
	DeleteTemplate(ctx context.Context, uid uint16, fid uint8) error
	EnrollUser(ctx context.Context, uid uint16, fid uint8) error

	ListEvents(ctx context.Context) ([]models.RawEvent, error)

	GetTime(ctx context.Context) (time.Time, error)
	SetTime(ctx context.Context, t time.Time) error
	SetNetwork(ctx context.Context, ip, netmask, gateway string) error
	Counts(ctx context.Context) (users, templates, events int, err error)

	Disable(ctx context.Context) error
	Enable(ctx context.Context) error
	Restart(ctx context.Context) error
	ClearUsers(ctx context.Context) error
	ClearEvents(ctx context.Context) error
	ClearTemplates(ctx context.Context) error

	PlayVoice(ctx context.Context, index int) error

	Close() error
}

// Voice index constants for PlayVoice, matching the terminal sound table.
const (
	VoiceSuccess = 0
	VoiceError   = 2
	VoiceBeep    = 24
)
