package sync

import (
	"context"
	"fmt"

	"github.com/doorctl/fleetd/pkg/models"
)

// SetUserRole changes a user's privilege level everywhere the user exists,
// preserving every other field of the record.
func (e *Engine) SetUserRole(subject string, uid uint16, role int) *models.Response {
	const command = "setUserRole"

	newRole := models.Privilege(role)
	if !newRole.Valid() {
		return errResponse(command, fmt.Errorf("invalid role %d, valid roles are 0, 1, 2, 3, 14", role))
	}

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

		oldRole := current.Privilege

		e.stage(subject, command, models.StatusUpdating,
			fmt.Sprintf("changing role of %q from %s to %s", current.Name, oldRole, newRole), nil)

		updated := current.User
		updated.Privilege = newRole

		agg, err := e.exec.Run(ctx, e.devicesByID(current.Devices), command, e.setUserOp(updated))
		if err != nil {
			e.stage(subject, command, models.StatusError, err.Error(), nil)

			return
		}

		status := agg.Status()
		e.stage(subject, command, status,
			fmt.Sprintf("role updated on %d/%d devices", agg.Successful, agg.Total),
			map[string]interface{}{
				"uid":      uid,
				"old_role": oldRole.String(),
				"new_role": newRole.String(),
				"result":   agg,
			})
		e.playFeedback(ctx, e.registry.Enabled(), feedbackIndex(status))
	})

	return accepted(command, fmt.Sprintf("updating role for uid %d", uid))
}
