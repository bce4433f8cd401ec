// Package sim is an in-memory terminal driver. It backs local development,
// demos, and end-to-end runs of the daemon without physical hardware; state
// is shared per device id so every session sees the same terminal.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/doorctl/fleetd/pkg/driver"
	"github.com/doorctl/fleetd/pkg/models"
)

const firmware = "Ver 6.60 (simulated)"

type templateKey struct {
	uid uint16
	fid uint8
}

// terminal is the shared state behind every session to one device id.
type terminal struct {
	mu        sync.Mutex
	users     map[uint16]models.User
	templates map[templateKey]models.Template
	events    []models.RawEvent
	offset    time.Duration
	disabled  bool
}

// Driver hands out sessions bound to per-device in-memory terminals.
type Driver struct {
	mu        sync.Mutex
	terminals map[string]*terminal
}

func New() *Driver {
	return &Driver{terminals: make(map[string]*terminal)}
}

func (d *Driver) Open(_ context.Context, dev *models.DeviceConfig) (driver.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	term, ok := d.terminals[dev.ID]
	if !ok {
		term = &terminal{
			users:     make(map[uint16]models.User),
			templates: make(map[templateKey]models.Template),
		}
		d.terminals[dev.ID] = term
	}

	return &session{term: term}, nil
}

// AddEvent injects an attendance event, visible to the next poll.
func (d *Driver) AddEvent(deviceID string, ev models.RawEvent) {
	d.mu.Lock()
	term, ok := d.terminals[deviceID]
	d.mu.Unlock()

	if !ok {
		return
	}

	term.mu.Lock()
	term.events = append(term.events, ev)
	term.mu.Unlock()
}

type session struct {
	term   *terminal
	closed bool
}

func (s *session) FirmwareVersion(context.Context) (string, error) {
	return firmware, nil
}

func (s *session) ListUsers(context.Context) ([]models.User, error) {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()

	out := make([]models.User, 0, len(s.term.users))
	for _, u := range s.term.users {
		out = append(out, u)
	}

	return out, nil
}

func (s *session) SetUser(_ context.Context, user models.User) error {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()
	s.term.users[user.UID] = user

	return nil
}

func (s *session) DeleteUser(_ context.Context, uid uint16) error {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()

	if _, ok := s.term.users[uid]; !ok {
		return driver.ErrUserNotFound
	}

	delete(s.term.users, uid)

	return nil
}

func (s *session) ListTemplates(context.Context) ([]models.Template, error) {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()

	out := make([]models.Template, 0, len(s.term.templates))
	for _, t := range s.term.templates {
		out = append(out, t)
	}

	return out, nil
}

func (s *session) GetTemplate(_ context.Context, uid uint16, fid uint8) (*models.Template, error) {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()

	t, ok := s.term.templates[templateKey{uid, fid}]
	if !ok {
		return nil, driver.ErrTemplateNotFound
	}

	return &t, nil
}

func (s *session) SaveTemplate(_ context.Context, user models.User, tmpl *models.Template) error {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()

	s.term.users[user.UID] = user
	s.term.templates[templateKey{tmpl.UID, tmpl.FID}] = *tmpl

	return nil
}

func (s *session) DeleteTemplate(_ context.Context, uid uint16, fid uint8) error {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()

	key := templateKey{uid, fid}
	if _, ok := s.term.templates[key]; !ok {
		return driver.ErrTemplateNotFound
	}

	delete(s.term.templates, key)

	return nil
}

func (s *session) EnrollUser(_ context.Context, uid uint16, fid uint8) error {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()

	if _, ok := s.term.users[uid]; !ok {
		return fmt.Errorf("%w: uid %d unknown", driver.ErrEnrollRejected, uid)
	}

	s.term.templates[templateKey{uid, fid}] = models.Template{
		UID: uid, FID: fid, Valid: true,
		Payload: []byte(fmt.Sprintf("sim-template-%d-%d", uid, fid)),
	}

	return nil
}

func (s *session) ListEvents(context.Context) ([]models.RawEvent, error) {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()

	out := make([]models.RawEvent, len(s.term.events))
	copy(out, s.term.events)

	return out, nil
}

func (s *session) GetTime(context.Context) (time.Time, error) {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()

	return time.Now().Add(s.term.offset), nil
}

func (s *session) SetTime(_ context.Context, t time.Time) error {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()
	s.term.offset = time.Until(t)

	return nil
}

func (s *session) SetNetwork(context.Context, string, string, string) error {
	return nil
}

func (s *session) Counts(context.Context) (int, int, int, error) {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()

	return len(s.term.users), len(s.term.templates), len(s.term.events), nil
}

func (s *session) Disable(context.Context) error {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()
	s.term.disabled = true

	return nil
}

func (s *session) Enable(context.Context) error {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()
	s.term.disabled = false

	return nil
}

func (s *session) Restart(context.Context) error {
	return nil
}

func (s *session) ClearUsers(context.Context) error {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()
	s.term.users = make(map[uint16]models.User)

	return nil
}

func (s *session) ClearEvents(context.Context) error {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()
	s.term.events = nil

	return nil
}

func (s *session) ClearTemplates(context.Context) error {
	s.term.mu.Lock()
	defer s.term.mu.Unlock()
	s.term.templates = make(map[templateKey]models.Template)

	return nil
}

func (s *session) PlayVoice(context.Context, int) error {
	return nil
}

func (s *session) Close() error {
	s.closed = true
	return nil
}
