package monitor

import (
	"github.com/doorctl/fleetd/pkg/fleet"
	"github.com/doorctl/fleetd/pkg/models"
)

// deniedStatuses are the terminal verify codes that always mean a denied
// attempt, regardless of who made it.
var deniedStatuses = map[int]struct{}{
	5: {}, 6: {}, 10: {}, 11: {}, 23: {}, 36: {}, 39: {},
}

// placeholderOKStatuses are the verify codes under which an unresolved
// identity is still treated as a granted event.
var placeholderOKStatuses = map[int]struct{}{
	1: {}, 3: {}, 4: {},
}

var punchActions = map[int]string{
	0: "Entry",
	1: "Exit",
	2: "Break Out",
	3: "Break In",
	4: "Overtime In",
	5: "Overtime Out",
}

const defaultAction = "Access"

// Classify turns a raw terminal log entry into a published access event.
// The name argument is the resolved identity for the event's uid, possibly
// still a UID_N placeholder when resolution failed.
func Classify(raw models.RawEvent, dev *models.DeviceConfig, name string) models.AccessEvent {
	granted := true

	if _, denied := deniedStatuses[raw.Status]; denied {
		granted = false
	}

	if raw.UID == 0 {
		granted = false
		name = "Unregistered"
	} else if fleet.IsPlaceholder(name) {
		if _, ok := placeholderOKStatuses[raw.Status]; !ok {
			granted = false
		}
	}

	action := punchActions[raw.Punch]
	if action == "" {
		action = defaultAction
	}

	ev := models.AccessEvent{
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
		Name:       name,
		Timestamp:  raw.Timestamp,
		Status:     raw.Status,
		Punch:      raw.Punch,
		Action:     action,
		Granted:    granted,
	}

	if granted {
		uid := raw.UID
		ev.UID = &uid
		ev.Message = "Open " + dev.Name
	} else {
		ev.Message = "Access Denied - " + dev.Name
	}

	return ev
}
