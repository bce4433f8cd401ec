package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/doorctl/fleetd/pkg/driver"
	"github.com/doorctl/fleetd/pkg/fleet"
	"github.com/doorctl/fleetd/pkg/models"
)

// UserRequest carries the identity fields of a create or update command.
// Pointer fields distinguish "not provided" from zero values.
type UserRequest struct {
	UID       *uint16 `json:"uid"`
	Name      string  `json:"name"`
	Privilege *int    `json:"privilege"`
	Password  *string `json:"password"`
	GroupID   *string `json:"group_id"`
	UserID    *string `json:"user_id"`
	Card      *uint32 `json:"card"`
}

// canonical fills the write payload with defaults so every device receives
// an identical record.
func (r *UserRequest) canonical(uid uint16) models.User {
	u := models.User{
		UID:    uid,
		Name:   r.Name,
		UserID: strconv.Itoa(int(uid)),
	}

	if r.Privilege != nil {
		u.Privilege = models.Privilege(*r.Privilege)
	}

	if r.Password != nil {
		u.Password = *r.Password
	}

	if r.GroupID != nil {
		u.GroupID = *r.GroupID
	}

	if r.UserID != nil {
		u.UserID = *r.UserID
	}

	if r.Card != nil {
		u.Card = *r.Card
	}

	return u
}

// apply overlays the provided fields onto an existing record.
func (r *UserRequest) apply(u models.User) models.User {
	if r.Name != "" {
		u.Name = r.Name
	}

	if r.Privilege != nil {
		u.Privilege = models.Privilege(*r.Privilege)
	}

	if r.Password != nil {
		u.Password = *r.Password
	}

	if r.GroupID != nil {
		u.GroupID = *r.GroupID
	}

	if r.UserID != nil {
		u.UserID = *r.UserID
	}

	if r.Card != nil {
		u.Card = *r.Card
	}

	return u
}

// setUserOp writes one identity record through a session.
func (e *Engine) setUserOp(user models.User) fleet.DeviceOp {
	return func(ctx context.Context, dev models.DeviceConfig) fleet.Result {
		err := e.conns.WithSession(ctx, &dev, func(ctx context.Context, sess driver.Session) error {
			return sess.SetUser(ctx, user)
		})
		if err != nil {
			return fleet.Failure(err.Error())
		}

		return fleet.Success(fmt.Sprintf("user %d written", user.UID))
	}
}

// CreateUser fans a new identity out to every enabled device. When no uid
// is given, the next free uid across the fleet is allocated.
func (e *Engine) CreateUser(subject string, req *UserRequest) *models.Response {
	const command = "createUser"

	if req.Name == "" {
		return errResponse(command, errNameRequired)
	}

	e.spawn(subject, command, func(ctx context.Context) {
		e.stage(subject, command, models.StatusValidating, "resolving target uid", nil)

		byUID, _, err := e.mergedUsers(ctx)
		if err != nil {
			e.stage(subject, command, models.StatusError, err.Error(), nil)

			return
		}

		uid := nextFreeUID(byUID)
		if req.UID != nil {
			uid = *req.UID
		}

		user := req.canonical(uid)

		agg, err := e.exec.Run(ctx, e.registry.Enabled(), command, e.setUserOp(user))
		if err != nil {
			e.stage(subject, command, models.StatusError, err.Error(), nil)

			return
		}

		status := agg.Status()
		e.stage(subject, command, status,
			fmt.Sprintf("user %q (uid %d) written to %d/%d devices", user.Name, uid, agg.Successful, agg.Total),
			map[string]interface{}{"uid": uid, "result": agg})
		e.playFeedback(ctx, e.registry.Enabled(), feedbackIndex(status))
	})

	return accepted(command, fmt.Sprintf("creating user %q", req.Name))
}

// UpdateUser overlays the provided fields on the current fleet-wide record
// and rewrites it everywhere.
func (e *Engine) UpdateUser(subject string, req *UserRequest) *models.Response {
	const command = "updateUser"

	if req.UID == nil {
		return errResponse(command, errUIDRequired)
	}

	uid := *req.UID

	e.spawn(subject, command, func(ctx context.Context) {
		e.stage(subject, command, models.StatusValidating, fmt.Sprintf("locating uid %d", uid), nil)

		byUID, _, err := e.mergedUsers(ctx)
		if err != nil {
			e.stage(subject, command, models.StatusError, err.Error(), nil)

			return
		}

		current, ok := byUID[uid]
		if !ok {
			e.stage(subject, command, models.StatusFailed, fmt.Sprintf("uid %d: %s", uid, ErrUserNotFound), nil)

			return
		}

		user := req.apply(current.User)

		e.stage(subject, command, models.StatusUpdating, fmt.Sprintf("updating user %q", user.Name), nil)

		agg, err := e.exec.Run(ctx, e.registry.Enabled(), command, e.setUserOp(user))
		if err != nil {
			e.stage(subject, command, models.StatusError, err.Error(), nil)

			return
		}

		status := agg.Status()
		e.stage(subject, command, status,
			fmt.Sprintf("user %q updated on %d/%d devices", user.Name, agg.Successful, agg.Total),
			map[string]interface{}{"uid": uid, "result": agg})
		e.playFeedback(ctx, e.registry.Enabled(), feedbackIndex(status))
	})

	return accepted(command, fmt.Sprintf("updating uid %d", uid))
}

// DeleteUser removes an identity from every enabled device. A device with
// no record already matches the goal state and counts as success.
func (e *Engine) DeleteUser(subject string, uid uint16) *models.Response {
	const command = "deleteUser"

	e.spawn(subject, command, func(ctx context.Context) {
		e.stage(subject, command, models.StatusDeleting, fmt.Sprintf("deleting uid %d", uid), nil)

		agg, err := e.exec.Run(ctx, e.registry.Enabled(), command, func(ctx context.Context, dev models.DeviceConfig) fleet.Result {
			err := e.conns.WithSession(ctx, &dev, func(ctx context.Context, sess driver.Session) error {
				return sess.DeleteUser(ctx, uid)
			})

			switch {
			case err == nil:
				return fleet.Success("user deleted")
			case errors.Is(err, driver.ErrUserNotFound):
				return fleet.Success("no record on device")
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
			fmt.Sprintf("uid %d deleted on %d/%d devices", uid, agg.Successful, agg.Total),
			map[string]interface{}{"uid": uid, "result": agg})
		e.playFeedback(ctx, e.registry.Enabled(), feedbackIndex(status))
	})

	return accepted(command, fmt.Sprintf("deleting uid %d", uid))
}

// GetUsers returns the fleet-wide merged user listing.
func (e *Engine) GetUsers(ctx context.Context) *models.Response {
	byUID, agg, err := e.mergedUsers(ctx)
	if err != nil {
		return errResponse("getUsers", err)
	}

	users := make([]*MergedUser, 0, len(byUID))
	for _, u := range byUID {
		users = append(users, u)
	}

	sortMergedUsers(users)

	return models.NewResponse(models.StatusSuccess,
		fmt.Sprintf("%d users across %d devices", len(users), agg.Total),
		map[string]interface{}{
			"users":           users,
			"total_users":     len(users),
			"devices_queried": agg.Total,
			"next_uid":        nextFreeUID(byUID),
		})
}

// GetUserByUID returns the merged record for one uid.
func (e *Engine) GetUserByUID(ctx context.Context, uid uint16) *models.Response {
	byUID, _, err := e.mergedUsers(ctx)
	if err != nil {
		return errResponse("getUserByUID", err)
	}

	user, ok := byUID[uid]
	if !ok {
		return models.NewResponse(models.StatusFailed, fmt.Sprintf("uid %d: %s", uid, ErrUserNotFound), nil)
	}

	return models.NewResponse(models.StatusSuccess, fmt.Sprintf("user %q found", user.Name),
		map[string]interface{}{"user": user})
}
