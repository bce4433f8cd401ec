package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/doorctl/fleetd/pkg/bus"
	"github.com/doorctl/fleetd/pkg/driver"
	"github.com/doorctl/fleetd/pkg/models"
	syncengine "github.com/doorctl/fleetd/pkg/sync"
)

var errUIDRequired = errors.New("uid is required")

type userRequest struct {
	syncengine.UserRequest

	FingerID *uint8 `json:"finger_id"`
	Role     *int   `json:"role"`
	Index    *int   `json:"index"`
	DeviceID string `json:"device_id"`
}

func (s *Service) handleUser(ctx context.Context, command string, raw []byte) *models.Response {
	cmd, ok := ParseUserCommand(command)
	if !ok {
		return unknownCommand(command)
	}

	var req userRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return badPayload(err)
	}

	respond := bus.SubjectUserResponse

	switch cmd {
	case UserCreate:
		return s.engine.CreateUser(respond, &req.UserRequest)
	case UserList:
		return s.engine.GetUsers(ctx)
	case UserGetByUID:
		if req.UID == nil {
			return badPayload(errUIDRequired)
		}

		return s.engine.GetUserByUID(ctx, *req.UID)
	case UserUpdate:
		return s.engine.UpdateUser(respond, &req.UserRequest)
	case UserDelete:
		if req.UID == nil {
			return badPayload(errUIDRequired)
		}

		return s.engine.DeleteUser(respond, *req.UID)
	case UserRegisterFinger:
		if req.UID == nil {
			return badPayload(errUIDRequired)
		}

		return s.engine.EnrollFinger(respond, *req.UID, fingerOrDefault(req.FingerID))
	case UserDeleteFinger:
		if req.UID == nil {
			return badPayload(errUIDRequired)
		}

		return s.engine.DeleteFinger(respond, *req.UID, fingerOrDefault(req.FingerID))
	case UserFingerprintList:
		return s.engine.FingerprintInventory(ctx, req.UID)
	case UserSyncCards:
		return s.engine.SynchronizeCards(respond)
	case UserDeleteCard:
		if req.UID == nil {
			return badPayload(errUIDRequired)
		}

		return s.engine.DeleteCard(respond, *req.UID)
	case UserSetRole:
		if req.UID == nil {
			return badPayload(errUIDRequired)
		}

		if req.Role == nil {
			return badPayload(errors.New("role is required"))
		}

		return s.engine.SetUserRole(respond, *req.UID, *req.Role)
	case UserPlaySound:
		index := driver.VoiceBeep
		if req.Index != nil {
			index = *req.Index
		}

		return s.engine.PlaySound(ctx, index, req.DeviceID)
	default:
		return unknownCommand(command)
	}
}

func fingerOrDefault(fid *uint8) uint8 {
	if fid == nil {
		return 0
	}

	return *fid
}
