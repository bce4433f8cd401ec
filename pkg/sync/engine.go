// Package sync implements the state synchronization engine: identity CRUD
// fanned out across the fleet, card repair, role updates, and biometric
// template workflows, all reported through the staged response protocol.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"github.com/doorctl/fleetd/pkg/driver"
	"github.com/doorctl/fleetd/pkg/fleet"
	"github.com/doorctl/fleetd/pkg/logger"
	"github.com/doorctl/fleetd/pkg/models"
)

// workflowTimeout bounds a whole background workflow, not a single device
// task.
const workflowTimeout = 2 * time.Minute

var (
	errNameRequired = errors.New("user name is required")
	errUIDRequired  = errors.New("uid is required")
	ErrUserNotFound = errors.New("user not found on any enabled device")
)

// Announcer publishes staged responses. Each stage is its own immutable
// message; consumers treat the stream as append-only.
type Announcer interface {
	Announce(subject string, resp *models.Response)
}

// Engine coordinates fleet-wide state changes. Devices hold the canonical
// state; the engine only ever reads, converges, and repairs it.
type Engine struct {
	registry *fleet.Registry
	conns    *fleet.ConnManager
	exec     *fleet.Executor
	cache    *fleet.IdentityCache
	announce Announcer
	log      logger.Logger
	reach    func(host string, port int, timeout time.Duration) bool
	wg       stdsync.WaitGroup
}

func NewEngine(registry *fleet.Registry, conns *fleet.ConnManager, exec *fleet.Executor,
	cache *fleet.IdentityCache, announce Announcer, log logger.Logger) *Engine {
	return &Engine{
		registry: registry,
		conns:    conns,
		exec:     exec,
		cache:    cache,
		announce: announce,
		log:      log,
		reach:    fleet.Reachable,
	}
}

// Wait blocks until every background workflow has published its terminal
// response. Used during shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// accepted builds the synchronous acknowledgement that opens a staged
// exchange.
func accepted(command, message string) *models.Response {
	resp := models.NewResponse(models.StatusAccepted, message, nil)
	resp.Command = command

	return resp
}

// errResponse builds the synchronous rejection of an invalid command.
func errResponse(command string, err error) *models.Response {
	resp := models.NewResponse(models.StatusError, err.Error(), nil)
	resp.Command = command

	return resp
}

func sortMergedUsers(users []*MergedUser) {
	sort.Slice(users, func(i, j int) bool { return users[i].UID < users[j].UID })
}

// spawn runs a workflow in the background. A panic inside the workflow is
// converted into a terminal error response so the exchange always closes.
func (e *Engine) spawn(subject, command string, fn func(ctx context.Context)) {
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), workflowTimeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				e.log.Error().Interface("panic", r).Str("command", command).Msg("Workflow panicked")
				e.stage(subject, command, models.StatusError, fmt.Sprintf("internal fault: %v", r), nil)
			}
		}()

		fn(ctx)
	}()
}

// stage publishes one staged response on subject.
func (e *Engine) stage(subject, command, status, message string, data interface{}) {
	resp := models.NewResponse(status, message, data)
	resp.Command = command
	e.announce.Announce(subject, resp)
}

// MergedUser is one identity as merged across the fleet. Field values come
// from the first device that reported the uid; Devices lists every device
// holding a record.
type MergedUser struct {
	models.User
	Devices []string `json:"devices"`
}

// mergedUsers lists users on every enabled device and merges them by uid.
func (e *Engine) mergedUsers(ctx context.Context) (map[uint16]*MergedUser, *fleet.FanOut, error) {
	byUID := make(map[uint16]*MergedUser)

	var mu stdsync.Mutex

	agg, err := e.exec.Run(ctx, e.registry.Enabled(), "listUsers", func(ctx context.Context, dev models.DeviceConfig) fleet.Result {
		var users []models.User

		err := e.conns.WithSession(ctx, &dev, func(ctx context.Context, sess driver.Session) error {
			var err error
			users, err = sess.ListUsers(ctx)

			return err
		})
		if err != nil {
			return fleet.Failure(err.Error())
		}

		mu.Lock()
		for _, u := range users {
			if m, ok := byUID[u.UID]; ok {
				m.Devices = append(m.Devices, dev.ID)
			} else {
				byUID[u.UID] = &MergedUser{User: u, Devices: []string{dev.ID}}
			}
		}
		mu.Unlock()

		return fleet.Success(fmt.Sprintf("%d users", len(users)))
	})
	if err != nil {
		return nil, nil, err
	}

	return byUID, agg, nil
}

// devicesByID resolves registry configs for a list of device ids, skipping
// ids that have since been removed or disabled.
func (e *Engine) devicesByID(ids []string) []models.DeviceConfig {
	out := make([]models.DeviceConfig, 0, len(ids))

	for _, id := range ids {
		if dev, ok := e.registry.Get(id); ok && dev.Enabled {
			out = append(out, dev)
		}
	}

	return out
}

// nextFreeUID returns the lowest uid above every record in the merged map.
func nextFreeUID(byUID map[uint16]*MergedUser) uint16 {
	var next uint16 = 1

	for uid := range byUID {
		if uid >= next {
			next = uid + 1
		}
	}

	return next
}

func feedbackIndex(status string) int {
	if status == models.StatusSuccess || status == models.StatusPartialSuccess {
		return driver.VoiceSuccess
	}

	return driver.VoiceError
}

// PlaySound plays a terminal sound on one device, or the whole fleet when
// deviceID is empty.
func (e *Engine) PlaySound(ctx context.Context, index int, deviceID string) *models.Response {
	const command = "playSound"

	targets := e.registry.Enabled()

	if deviceID != "" {
		dev, ok := e.registry.Get(deviceID)
		if !ok {
			return errResponse(command, fmt.Errorf("%w: %s", fleet.ErrDeviceNotFound, deviceID))
		}

		targets = []models.DeviceConfig{dev}
	}

	agg, err := e.exec.Run(ctx, targets, command, func(ctx context.Context, dev models.DeviceConfig) fleet.Result {
		err := e.conns.WithSessionOnce(ctx, &dev, func(ctx context.Context, sess driver.Session) error {
			return sess.PlayVoice(ctx, index)
		})
		if err != nil {
			return fleet.Failure(err.Error())
		}

		return fleet.Success("sound played")
	})
	if err != nil {
		return errResponse(command, err)
	}

	return models.NewResponse(agg.Status(),
		fmt.Sprintf("sound %d played on %d/%d devices", index, agg.Successful, agg.Total),
		map[string]interface{}{"result": agg})
}

// playFeedback chirps the terminals after a workflow. Best effort only.
func (e *Engine) playFeedback(ctx context.Context, devices []models.DeviceConfig, index int) {
	if len(devices) == 0 {
		return
	}

	_, err := e.exec.Run(ctx, devices, "playVoice", func(ctx context.Context, dev models.DeviceConfig) fleet.Result {
		err := e.conns.WithSessionOnce(ctx, &dev, func(ctx context.Context, sess driver.Session) error {
			return sess.PlayVoice(ctx, index)
		})
		if err != nil {
			return fleet.Failure(err.Error())
		}

		return fleet.Success("played")
	})
	if err != nil {
		e.log.Debug().Err(err).Msg("Feedback skipped")
	}
}
