package sync

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/doorctl/fleetd/pkg/driver"
	"github.com/doorctl/fleetd/pkg/fleet"
	"github.com/doorctl/fleetd/pkg/models"
)

func TestEnrollRejectsInvalidFinger(t *testing.T) {
	f := newFixture(dev("a", true))

	resp := f.engine.EnrollFinger(testSubject, 5, 10)
	assert.Equal(t, models.StatusError, resp.Status)
}

func TestEnrollFailsWithoutMaster(t *testing.T) {
	f := newFixture(dev("b", true))

	resp := f.engine.EnrollFinger(testSubject, 5, 0)
	assert.Equal(t, models.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "master device")
}

func TestEnrollFailsWithDisabledMaster(t *testing.T) {
	f := newFixture(dev("a", false), dev("b", true))

	resp := f.engine.EnrollFinger(testSubject, 5, 0)
	assert.Equal(t, models.StatusError, resp.Status)
	assert.Contains(t, resp.Message, "disabled")
}

func TestEnrollFailsWhenUserMissingOnMaster(t *testing.T) {
	f := newFixture(dev("a", true))

	f.sessions["a"].On("ListUsers", mock.Anything).Return([]models.User{}, nil)

	f.engine.EnrollFinger(testSubject, 5, 0)
	f.engine.Wait()

	last := f.rec.last()
	require.NotNil(t, last)
	assert.Equal(t, models.StatusFailed, last.Status)
	assert.Contains(t, last.Message, "not found on master")
}

func TestEnrollFailsWhenMasterUnreachable(t *testing.T) {
	f := newFixture(dev("a", true))

	f.sessions["a"].On("ListUsers", mock.Anything).Return([]models.User{{UID: 5, Name: "Bob"}}, nil)
	f.engine.reach = func(_ string, _ int, _ time.Duration) bool { return false }

	f.engine.EnrollFinger(testSubject, 5, 0)
	f.engine.Wait()

	last := f.rec.last()
	require.NotNil(t, last)
	assert.Equal(t, models.StatusFailed, last.Status)
	assert.Contains(t, last.Message, "unreachable")
}

func TestEnrollHappyPathSyncsTemplate(t *testing.T) {
	f := newFixture(dev("a", true), dev("b", true))

	tmpl := &models.Template{UID: 5, FID: 0, Valid: true, Payload: []byte{0x01}}

	master := f.sessions["a"]
	master.On("ListUsers", mock.Anything).Return([]models.User{{UID: 5, Name: "Bob"}}, nil)
	master.On("Disable", mock.Anything).Return(nil)
	master.On("EnrollUser", mock.Anything, uint16(5), uint8(0)).Return(nil)
	master.On("Enable", mock.Anything).Return(nil)
	master.On("GetTemplate", mock.Anything, uint16(5), uint8(0)).Return(tmpl, nil)

	f.sessions["b"].On("SaveTemplate", mock.Anything, mock.Anything, tmpl).Return(nil)

	resp := f.engine.EnrollFinger(testSubject, 5, 0)
	assert.Equal(t, models.StatusAccepted, resp.Status)

	f.engine.Wait()

	assert.Equal(t, []string{
		models.StatusValidating,
		models.StatusReadyToEnroll,
		models.StatusProcessing,
		models.StatusEnrolling,
		models.StatusEnrollSyncing,
		models.StatusSuccess,
		models.StatusSyncCompleted,
	}, f.rec.statuses())

	// The capture UI ran only on the master; the other device received
	// the template over the wire.
	f.sessions["b"].AssertNotCalled(t, "EnrollUser", mock.Anything, mock.Anything, mock.Anything)
	f.sessions["b"].AssertCalled(t, "SaveTemplate", mock.Anything, mock.Anything, tmpl)

	ready := f.rec.find(models.StatusReadyToEnroll)
	require.NotNil(t, ready)
	data := ready.Data.(map[string]interface{})
	assert.Equal(t, "Bob", data["user_name"])
}

func TestEnrollReenablesDeviceOnRejection(t *testing.T) {
	f := newFixture(dev("a", true))

	master := f.sessions["a"]
	master.On("ListUsers", mock.Anything).Return([]models.User{{UID: 5, Name: "Bob"}}, nil)
	master.On("Disable", mock.Anything).Return(nil)
	master.On("EnrollUser", mock.Anything, uint16(5), uint8(1)).
		Return(fmt.Errorf("%w: Can't Enroll", driver.ErrEnrollRejected))
	master.On("Enable", mock.Anything).Return(nil)

	f.engine.EnrollFinger(testSubject, 5, 1)
	f.engine.Wait()

	last := f.rec.last()
	require.NotNil(t, last)
	assert.Equal(t, models.StatusFailed, last.Status)
	assert.Contains(t, last.Message, "free template slots")

	master.AssertCalled(t, "Enable", mock.Anything)
}

func TestEnrollUnsupportedModel(t *testing.T) {
	f := newFixture(dev("a", true))

	master := f.sessions["a"]
	master.On("ListUsers", mock.Anything).Return([]models.User{{UID: 5, Name: "Bob"}}, nil)
	master.On("Disable", mock.Anything).Return(nil)
	master.On("EnrollUser", mock.Anything, uint16(5), uint8(0)).Return(driver.ErrNotSupported)
	master.On("Enable", mock.Anything).Return(nil)

	f.engine.EnrollFinger(testSubject, 5, 0)
	f.engine.Wait()

	last := f.rec.last()
	require.NotNil(t, last)
	assert.Equal(t, models.StatusFailed, last.Status)
	assert.Contains(t, last.Message, "does not support remote enrollment")
}

func TestEnrollFallsBackToTemplateScan(t *testing.T) {
	f := newFixture(dev("a", true))

	master := f.sessions["a"]
	master.On("ListUsers", mock.Anything).Return([]models.User{{UID: 5, Name: "Bob"}}, nil)
	master.On("Disable", mock.Anything).Return(nil)
	master.On("EnrollUser", mock.Anything, uint16(5), uint8(2)).Return(nil)
	master.On("Enable", mock.Anything).Return(nil)
	master.On("GetTemplate", mock.Anything, uint16(5), uint8(2)).Return(nil, driver.ErrNotSupported)
	master.On("ListTemplates", mock.Anything).Return([]models.Template{
		{UID: 5, FID: 2, Valid: true},
	}, nil)

	f.engine.EnrollFinger(testSubject, 5, 2)
	f.engine.Wait()

	// Single-device fleet: enrollment succeeds with nothing to sync to.
	last := f.rec.last()
	require.NotNil(t, last)
	assert.Equal(t, models.StatusSuccess, last.Status)
	master.AssertCalled(t, "ListTemplates", mock.Anything)
}

func TestDeleteFingerMissingTemplateCountsAsSuccess(t *testing.T) {
	f := newFixture(dev("a", true), dev("b", true))

	f.sessions["a"].On("DeleteTemplate", mock.Anything, uint16(5), uint8(0)).Return(nil)
	f.sessions["b"].On("DeleteTemplate", mock.Anything, uint16(5), uint8(0)).Return(driver.ErrTemplateNotFound)

	f.engine.DeleteFinger(testSubject, 5, 0)
	f.engine.Wait()

	last := f.rec.last()
	require.NotNil(t, last)
	assert.Equal(t, models.StatusSuccess, last.Status)

	result := last.Data.(map[string]interface{})["result"].(*fleet.FanOut)
	assert.Equal(t, 2, result.Successful)
}

func TestDeleteFingerRealFailure(t *testing.T) {
	f := newFixture(dev("a", true))

	f.sessions["a"].On("DeleteTemplate", mock.Anything, uint16(5), uint8(0)).
		Return(errors.New("device busy"))

	f.engine.DeleteFinger(testSubject, 5, 0)
	f.engine.Wait()

	last := f.rec.last()
	require.NotNil(t, last)
	assert.Equal(t, models.StatusFailed, last.Status)
}
