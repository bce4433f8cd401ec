package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doorctl/fleetd/pkg/models"
)

var classifyDev = models.DeviceConfig{ID: "door", Name: "Main Door"}

func rawEvent(uid uint16, status, punch int) models.RawEvent {
	return models.RawEvent{UID: uid, Status: status, Punch: punch, Timestamp: time.Now()}
}

func TestClassifyGranted(t *testing.T) {
	ev := Classify(rawEvent(5, 1, 0), &classifyDev, "Bob")

	assert.True(t, ev.Granted)
	require.NotNil(t, ev.UID)
	assert.Equal(t, uint16(5), *ev.UID)
	assert.Equal(t, "Bob", ev.Name)
	assert.Equal(t, "Entry", ev.Action)
	assert.Equal(t, "Open Main Door", ev.Message)
}

func TestClassifyDeniedStatusesAlwaysFail(t *testing.T) {
	for _, status := range []int{5, 6, 10, 11, 23, 36, 39} {
		ev := Classify(rawEvent(5, status, 0), &classifyDev, "Bob")

		assert.False(t, ev.Granted, "status %d", status)
		assert.Nil(t, ev.UID, "uid must be hidden on denial, status %d", status)
		assert.Equal(t, "Access Denied - Main Door", ev.Message)
	}
}

func TestClassifyUIDZeroAlwaysFails(t *testing.T) {
	// Verify code 1 would normally pass; uid 0 overrides it.
	ev := Classify(rawEvent(0, 1, 0), &classifyDev, "whatever")

	assert.False(t, ev.Granted)
	assert.Equal(t, "Unregistered", ev.Name)
	assert.Nil(t, ev.UID)
}

func TestClassifyUnresolvedIdentity(t *testing.T) {
	// A placeholder name fails unless the verify code vouches for it.
	ev := Classify(rawEvent(9, 0, 0), &classifyDev, "UID_9")
	assert.False(t, ev.Granted)

	for _, status := range []int{1, 3, 4} {
		ev := Classify(rawEvent(9, status, 0), &classifyDev, "UID_9")
		assert.True(t, ev.Granted, "status %d", status)
	}
}

func TestClassifyPunchActions(t *testing.T) {
	cases := map[int]string{
		0: "Entry", 1: "Exit", 2: "Break Out", 3: "Break In",
		4: "Overtime In", 5: "Overtime Out", 9: "Access",
	}

	for punch, action := range cases {
		ev := Classify(rawEvent(5, 1, punch), &classifyDev, "Bob")
		assert.Equal(t, action, ev.Action, "punch %d", punch)
	}
}
