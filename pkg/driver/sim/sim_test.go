package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doorctl/fleetd/pkg/driver"
	"github.com/doorctl/fleetd/pkg/models"
)

func TestSessionsShareTerminalState(t *testing.T) {
	drv := New()
	dev := &models.DeviceConfig{ID: "device_1"}
	ctx := context.Background()

	first, err := drv.Open(ctx, dev)
	require.NoError(t, err)
	require.NoError(t, first.SetUser(ctx, models.User{UID: 7, Name: "Alice"}))
	require.NoError(t, first.Close())

	second, err := drv.Open(ctx, dev)
	require.NoError(t, err)

	users, err := second.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Alice", users[0].Name)
}

func TestEnrollRequiresExistingUser(t *testing.T) {
	drv := New()
	ctx := context.Background()

	sess, err := drv.Open(ctx, &models.DeviceConfig{ID: "device_1"})
	require.NoError(t, err)

	err = sess.EnrollUser(ctx, 7, 0)
	require.ErrorIs(t, err, driver.ErrEnrollRejected)

	require.NoError(t, sess.SetUser(ctx, models.User{UID: 7, Name: "Alice"}))
	require.NoError(t, sess.EnrollUser(ctx, 7, 0))

	tmpl, err := sess.GetTemplate(ctx, 7, 0)
	require.NoError(t, err)
	assert.True(t, tmpl.Valid)
	assert.NotEmpty(t, tmpl.Payload)
}

func TestMissingRecordsReturnSentinels(t *testing.T) {
	drv := New()
	ctx := context.Background()

	sess, err := drv.Open(ctx, &models.DeviceConfig{ID: "device_1"})
	require.NoError(t, err)

	assert.ErrorIs(t, sess.DeleteUser(ctx, 99), driver.ErrUserNotFound)
	assert.ErrorIs(t, sess.DeleteTemplate(ctx, 99, 0), driver.ErrTemplateNotFound)

	_, err = sess.GetTemplate(ctx, 99, 0)
	assert.ErrorIs(t, err, driver.ErrTemplateNotFound)
}

func TestInjectedEventsAndCounts(t *testing.T) {
	drv := New()
	ctx := context.Background()

	sess, err := drv.Open(ctx, &models.DeviceConfig{ID: "device_1"})
	require.NoError(t, err)
	require.NoError(t, sess.SetUser(ctx, models.User{UID: 7, Name: "Alice"}))

	drv.AddEvent("device_1", models.RawEvent{UID: 7, Timestamp: time.Now(), Status: 1})
	drv.AddEvent("device_9", models.RawEvent{UID: 1}) // unknown device, dropped

	events, err := sess.ListEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint16(7), events[0].UID)

	users, templates, records, err := sess.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, users)
	assert.Zero(t, templates)
	assert.Equal(t, 1, records)

	require.NoError(t, sess.ClearEvents(ctx))

	events, err = sess.ListEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestClockOffsetSurvivesSessions(t *testing.T) {
	drv := New()
	ctx := context.Background()
	dev := &models.DeviceConfig{ID: "device_1"}

	sess, err := drv.Open(ctx, dev)
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, sess.SetTime(ctx, past))

	reopened, err := drv.Open(ctx, dev)
	require.NoError(t, err)

	got, err := reopened.GetTime(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, past, got, 5*time.Second)
}
