package dispatch

import (
	"context"
	"encoding/json"

	"github.com/doorctl/fleetd/pkg/models"
)

type attendanceRequest struct {
	DeviceID string `json:"device_id"`
	Limit    int    `json:"limit"`
}

func (s *Service) handleAttendance(ctx context.Context, command string, raw []byte) *models.Response {
	cmd, ok := ParseAttendanceCommand(command)
	if !ok {
		return unknownCommand(command)
	}

	var req attendanceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return badPayload(err)
	}

	switch cmd {
	case AttendanceStatus:
		status := s.monitor.Status()

		return models.NewResponse(models.StatusSuccess, "monitoring status",
			map[string]interface{}{"devices": status, "monitored": len(status)})
	case AttendanceHistory:
		return s.monitor.History(ctx, req.DeviceID, req.Limit)
	case AttendanceRefreshCache:
		return s.monitor.RefreshCache(ctx, req.DeviceID)
	case AttendanceStartLive, AttendanceStopLive:
		// Monitoring runs for every enabled device from startup; the
		// lifecycle is owned by the device registry, not by commands.
		return models.NewResponse(models.StatusInfo,
			"live monitoring is always active for enabled devices", nil)
	default:
		return unknownCommand(command)
	}
}
