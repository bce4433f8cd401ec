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
	"github.com/doorctl/fleetd/pkg/models"
)

const (
	maxFingerID = 9

	// reachProbeTimeout is the quick TCP probe before asking a human to
	// walk to the master device.
	reachProbeTimeout = 2 * time.Second
)

var (
	errInvalidFinger  = errors.New("finger_id must be between 0 and 9")
	errMasterMissing  = errors.New("master device is not configured")
	errMasterDisabled = errors.New("master device is disabled")
)

// master resolves the enrollment master device. Enrollment never falls
// back to another device; a missing master is an operator problem.
func (e *Engine) master() (models.DeviceConfig, error) {
	id := e.registry.Settings().MasterDeviceID

	dev, ok := e.registry.Get(id)
	if !ok {
		return models.DeviceConfig{}, fmt.Errorf("%w: %s", errMasterMissing, id)
	}

	if !dev.Enabled {
		return models.DeviceConfig{}, fmt.Errorf("%w: %s", errMasterDisabled, id)
	}

	return dev, nil
}

// EnrollFinger drives a fingerprint capture on the master device and then
// propagates the resulting template to the rest of the fleet. Only the
// master ever runs the capture UI; every other device receives the
// template over the wire.
func (e *Engine) EnrollFinger(subject string, uid uint16, fid uint8) *models.Response {
	const command = "registerFinger"

	if fid > maxFingerID {
		return errResponse(command, errInvalidFinger)
	}

	master, err := e.master()
	if err != nil {
		return errResponse(command, err)
	}

	e.spawn(subject, command, func(ctx context.Context) {
		e.stage(subject, command, models.StatusValidating,
			fmt.Sprintf("validating uid %d on master %q", uid, master.Name), nil)

		identity := e.cache.Resolve(ctx, &master, uid)
		if fleet.IsPlaceholder(identity.Name) {
			e.stage(subject, command, models.StatusFailed,
				fmt.Sprintf("uid %d not found on master device %q", uid, master.Name), nil)

			return
		}

		if !e.reach(master.Host, master.Port, reachProbeTimeout) {
			e.stage(subject, command, models.StatusFailed,
				fmt.Sprintf("master device %q is unreachable", master.Name), nil)

			return
		}

		e.stage(subject, command, models.StatusReadyToEnroll,
			fmt.Sprintf("place finger %d on device %q", fid, master.Name),
			map[string]interface{}{
				"uid": uid, "finger_id": fid,
				"device": master.Name, "user_name": identity.Name,
			})

		e.stage(subject, command, models.StatusProcessing, "waiting for fingerprint capture", nil)

		tmpl, err := e.captureOnMaster(ctx, &master, uid, fid, subject, command)
		if err != nil {
			status, message := classifyEnrollError(err, &master)
			e.stage(subject, command, status, message, nil)
			e.playFeedback(ctx, []models.DeviceConfig{master}, driver.VoiceError)

			return
		}

		if tmpl == nil {
			// Enrollment took, but the template cannot be read back.
			// The master works; the rest of the fleet stays unsynced.
			e.stage(subject, command, models.StatusSuccess,
				"fingerprint enrolled on master, template unavailable for synchronization",
				map[string]interface{}{"uid": uid, "finger_id": fid, "sync_status": "template_unavailable"})
			e.playFeedback(ctx, []models.DeviceConfig{master}, driver.VoiceSuccess)

			return
		}

		e.stage(subject, command, models.StatusEnrollSyncing,
			"fingerprint enrolled, synchronizing template to fleet", nil)

		user := models.User{UID: uid, Name: identity.Name, Privilege: identity.Privilege}
		e.propagateTemplate(ctx, subject, command, &master, user, tmpl)
	})

	return accepted(command, fmt.Sprintf("enrollment scheduled on %q", master.Name))
}

// captureOnMaster runs the enrollment on the master with the device
// disabled for the duration, then reads the fresh template back. A nil
// template with nil error means the device cannot export templates.
func (e *Engine) captureOnMaster(ctx context.Context, master *models.DeviceConfig, uid uint16, fid uint8, subject, command string) (*models.Template, error) {
	var tmpl *models.Template

	err := e.conns.WithSession(ctx, master, func(ctx context.Context, sess driver.Session) error {
		if err := sess.Disable(ctx); err != nil {
			return fmt.Errorf("failed to lock device for enrollment: %w", err)
		}

		e.stage(subject, command, models.StatusEnrolling, "enrollment in progress", nil)

		enrollErr := sess.EnrollUser(ctx, uid, fid)

		if err := sess.Enable(ctx); err != nil {
			e.log.Warn().Err(err).Str("device_id", master.ID).Msg("Failed to re-enable device after enrollment")
		}

		if enrollErr != nil {
			return enrollErr
		}

		tmpl = e.fetchTemplate(ctx, sess, uid, fid)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return tmpl, nil
}

// fetchTemplate reads a template directly, falling back to a full template
// scan for firmwares without single-slot reads.
func (e *Engine) fetchTemplate(ctx context.Context, sess driver.Session, uid uint16, fid uint8) *models.Template {
	tmpl, err := sess.GetTemplate(ctx, uid, fid)
	if err == nil && tmpl != nil {
		return tmpl
	}

	all, err := sess.ListTemplates(ctx)
	if err != nil {
		e.log.Warn().Err(err).Uint16("uid", uid).Msg("Template readback failed")

		return nil
	}

	for i := range all {
		if all[i].UID == uid && all[i].FID == fid {
			return &all[i]
		}
	}

	return nil
}

// propagateTemplate pushes the captured template to every enabled device
// except the master and closes the staged exchange.
func (e *Engine) propagateTemplate(ctx context.Context, subject, command string, master *models.DeviceConfig, user models.User, tmpl *models.Template) {
	var targets []models.DeviceConfig

	for _, dev := range e.registry.Enabled() {
		if dev.ID != master.ID {
			targets = append(targets, dev)
		}
	}

	if len(targets) == 0 {
		e.stage(subject, command, models.StatusSuccess, "fingerprint enrolled, no other devices to sync",
			map[string]interface{}{"uid": user.UID})
		e.playFeedback(ctx, []models.DeviceConfig{*master}, driver.VoiceSuccess)

		return
	}

	agg, err := e.exec.Run(ctx, targets, "propagateTemplate", func(ctx context.Context, dev models.DeviceConfig) fleet.Result {
		err := e.conns.WithSession(ctx, &dev, func(ctx context.Context, sess driver.Session) error {
			return sess.SaveTemplate(ctx, user, tmpl)
		})

		switch {
		case err == nil:
			return fleet.Success("template stored")
		case errors.Is(err, driver.ErrNotSupported):
			return fleet.Failure("device cannot receive templates over the wire")
		default:
			return fleet.Failure(err.Error())
		}
	})
	if err != nil {
		e.stage(subject, command, models.StatusError, err.Error(), nil)

		return
	}

	status := agg.Status()
	e.stage(subject, command, status,
		fmt.Sprintf("fingerprint enrolled, template synced to %d/%d devices", agg.Successful, agg.Total),
		map[string]interface{}{"uid": user.UID, "result": agg})

	e.stage(subject, command, models.StatusSyncCompleted,
		"template synchronization finished",
		map[string]interface{}{"result": agg})

	e.playFeedback(ctx, []models.DeviceConfig{*master}, feedbackIndex(status))
}

// classifyEnrollError maps driver failures to operator-actionable
// messages.
func classifyEnrollError(err error, master *models.DeviceConfig) (status, message string) {
	switch {
	case errors.Is(err, driver.ErrNotSupported):
		return models.StatusFailed,
			fmt.Sprintf("device model of %q does not support remote enrollment", master.Name)
	case errors.Is(err, driver.ErrEnrollRejected):
		return models.StatusFailed,
			fmt.Sprintf("device %q rejected the enrollment, check the uid and free template slots on the device", master.Name)
	default:
		return models.StatusError, fmt.Sprintf("enrollment failed: %v", err)
	}
}

// DeleteFinger removes one template slot on every enabled device. A slot
// that is already empty matches the goal state and counts as success.
func (e *Engine) DeleteFinger(subject string, uid uint16, fid uint8) *models.Response {
	const command = "deleteFinger"

	if fid > maxFingerID {
		return errResponse(command, errInvalidFinger)
	}

	e.spawn(subject, command, func(ctx context.Context) {
		e.stage(subject, command, models.StatusDeleting,
			fmt.Sprintf("deleting template uid %d finger %d", uid, fid), nil)

		agg, err := e.exec.Run(ctx, e.registry.Enabled(), command, func(ctx context.Context, dev models.DeviceConfig) fleet.Result {
			err := e.conns.WithSession(ctx, &dev, func(ctx context.Context, sess driver.Session) error {
				return sess.DeleteTemplate(ctx, uid, fid)
			})

			switch {
			case err == nil:
				return fleet.Success("template deleted")
			case errors.Is(err, driver.ErrTemplateNotFound):
				return fleet.Success("already deleted or never existed")
			default:
				return fleet.Failure(err.Error())
			}
		})
		if err != nil {
			e.stage(subject, command, models.StatusError, err.Error(), nil)

			return
		}

		status := agg.Status()
		e.stage(subject, command, status,
			fmt.Sprintf("template removed on %d/%d devices", agg.Successful, agg.Total),
			map[string]interface{}{"uid": uid, "finger_id": fid, "result": agg})
		e.playFeedback(ctx, e.registry.Enabled(), feedbackIndex(status))
	})

	return accepted(command, fmt.Sprintf("deleting template uid %d finger %d", uid, fid))
}

// FingerprintInventory lists template slots across the fleet, consolidated
// by uid and finger with the devices holding each one.
func (e *Engine) FingerprintInventory(ctx context.Context, uid *uint16) *models.Response {
	type slot struct {
		UID     uint16   `json:"uid"`
		FID     uint8    `json:"finger_id"`
		Devices []string `json:"devices"`
	}

	slots := make(map[[2]uint16]*slot)

	var mu stdsync.Mutex

	agg, err := e.exec.Run(ctx, e.registry.Enabled(), "getFingerprintList", func(ctx context.Context, dev models.DeviceConfig) fleet.Result {
		var templates []models.Template

		err := e.conns.WithSession(ctx, &dev, func(ctx context.Context, sess driver.Session) error {
			var err error
			templates, err = sess.ListTemplates(ctx)

			return err
		})
		if err != nil {
			return fleet.Failure(err.Error())
		}

		mu.Lock()
		for _, t := range templates {
			if uid != nil && t.UID != *uid {
				continue
			}

			key := [2]uint16{t.UID, uint16(t.FID)}
			if s, ok := slots[key]; ok {
				s.Devices = append(s.Devices, dev.ID)
			} else {
				slots[key] = &slot{UID: t.UID, FID: t.FID, Devices: []string{dev.ID}}
			}
		}
		mu.Unlock()

		return fleet.Success(fmt.Sprintf("%d templates", len(templates)))
	})
	if err != nil {
		return errResponse("getFingerprintList", err)
	}

	out := make([]*slot, 0, len(slots))
	for _, s := range slots {
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UID != out[j].UID {
			return out[i].UID < out[j].UID
		}

		return out[i].FID < out[j].FID
	})

	return models.NewResponse(models.StatusSuccess,
		fmt.Sprintf("%d template slots across %d devices", len(out), agg.Total),
		map[string]interface{}{"templates": out, "devices_queried": agg.Total})
}
