package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/doorctl/fleetd/pkg/driver"
	"github.com/doorctl/fleetd/pkg/driver/drivertest"
	"github.com/doorctl/fleetd/pkg/fleet"
	"github.com/doorctl/fleetd/pkg/logger"
	"github.com/doorctl/fleetd/pkg/models"
)

const testSubject = "accessControl.user.response"

// recorder captures staged responses in publish order.
type recorder struct {
	mu     stdsync.Mutex
	stages []*models.Response
}

func (r *recorder) Announce(_ string, resp *models.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, resp)
}

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.stages))
	for i, s := range r.stages {
		out[i] = s.Status
	}

	return out
}

func (r *recorder) last() *models.Response {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.stages) == 0 {
		return nil
	}

	return r.stages[len(r.stages)-1]
}

func (r *recorder) find(status string) *models.Response {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.stages {
		if s.Status == status {
			return s
		}
	}

	return nil
}

type fixture struct {
	engine   *Engine
	rec      *recorder
	registry *fleet.Registry
	sessions map[string]*drivertest.MockSession
}

// newFixture builds an engine over mocked sessions, one per device, with
// device "a" as enrollment master and no retry sleeps.
func newFixture(devices ...models.DeviceConfig) *fixture {
	log := logger.NewTestLogger()
	drv := &drivertest.MockDriver{}
	sessions := make(map[string]*drivertest.MockSession)

	for _, dev := range devices {
		sess := drivertest.HealthySession()
		sess.On("PlayVoice", mock.Anything, mock.Anything).Return(nil).Maybe()
		sessions[dev.ID] = sess

		id := dev.ID
		drv.On("Open", mock.Anything, mock.MatchedBy(func(d *models.DeviceConfig) bool {
			return d.ID == id
		})).Return(sess, nil)
	}

	registry := fleet.NewRegistry(models.Settings{MaxRetries: 1, MasterDeviceID: "a"}, devices, log)
	conns := fleet.NewConnManager(drv, registry.Settings(), log)
	rec := &recorder{}

	engine := NewEngine(registry, conns, fleet.NewExecutor(log), fleet.NewIdentityCache(conns, log), rec, log)
	engine.reach = func(string, int, time.Duration) bool { return true }

	return &fixture{engine: engine, rec: rec, registry: registry, sessions: sessions}
}

func dev(id string, enabled bool) models.DeviceConfig {
	return models.DeviceConfig{ID: id, Name: "Device " + id, Host: "10.0.0." + id, Port: 4370, Enabled: enabled}
}

func uidp(v uint16) *uint16 { return &v }

func TestCreateUserRequiresName(t *testing.T) {
	f := newFixture(dev("a", true))

	resp := f.engine.CreateUser(testSubject, &UserRequest{})
	assert.Equal(t, models.StatusError, resp.Status)

	f.engine.Wait()
	assert.Empty(t, f.rec.statuses(), "invalid commands must not start a workflow")
}

func TestCreateUserAllocatesNextFreeUID(t *testing.T) {
	f := newFixture(dev("a", true), dev("b", true))

	f.sessions["a"].On("ListUsers", mock.Anything).Return([]models.User{
		{UID: 1, Name: "Ada"}, {UID: 4, Name: "Bo"},
	}, nil)
	f.sessions["b"].On("ListUsers", mock.Anything).Return([]models.User{{UID: 1, Name: "Ada"}}, nil)

	for _, s := range f.sessions {
		s.On("SetUser", mock.Anything, mock.Anything).Return(nil)
	}

	resp := f.engine.CreateUser(testSubject, &UserRequest{Name: "Carol"})
	assert.Equal(t, models.StatusAccepted, resp.Status)

	f.engine.Wait()

	last := f.rec.last()
	require.NotNil(t, last)
	assert.Equal(t, models.StatusSuccess, last.Status)

	// Canonical payload: allocated uid above every existing record, user_id
	// mirrors the uid, card defaults to 0.
	expected := models.User{UID: 5, Name: "Carol", UserID: "5"}
	f.sessions["a"].AssertCalled(t, "SetUser", mock.Anything, expected)
	f.sessions["b"].AssertCalled(t, "SetUser", mock.Anything, expected)
}

func TestCreateUserPartialSuccess(t *testing.T) {
	f := newFixture(dev("a", true), dev("b", true))

	for _, s := range f.sessions {
		s.On("ListUsers", mock.Anything).Return([]models.User{}, nil)
	}

	f.sessions["a"].On("SetUser", mock.Anything, mock.Anything).Return(nil)
	f.sessions["b"].On("SetUser", mock.Anything, mock.Anything).Return(errors.New("write failed"))

	resp := f.engine.CreateUser(testSubject, &UserRequest{Name: "Dan", UID: uidp(9)})
	assert.Equal(t, models.StatusAccepted, resp.Status)

	f.engine.Wait()

	last := f.rec.last()
	require.NotNil(t, last)
	assert.Equal(t, models.StatusPartialSuccess, last.Status)

	data := last.Data.(map[string]interface{})
	agg := data["result"].(*fleet.FanOut)
	assert.Equal(t, 1, agg.Successful)
	assert.Equal(t, 2, agg.Total)
	require.Len(t, agg.Results, 2)
}

func TestUpdateUserNotFound(t *testing.T) {
	f := newFixture(dev("a", true))

	f.sessions["a"].On("ListUsers", mock.Anything).Return([]models.User{}, nil)

	resp := f.engine.UpdateUser(testSubject, &UserRequest{UID: uidp(7), Name: "Nobody"})
	assert.Equal(t, models.StatusAccepted, resp.Status)

	f.engine.Wait()

	last := f.rec.last()
	require.NotNil(t, last)
	assert.Equal(t, models.StatusFailed, last.Status)
	assert.Contains(t, last.Message, "not found")
}

func TestUpdateUserPreservesUnspecifiedFields(t *testing.T) {
	f := newFixture(dev("a", true))

	f.sessions["a"].On("ListUsers", mock.Anything).Return([]models.User{
		{UID: 7, Name: "Eve", Privilege: models.PrivilegeAdmin, Card: 42, UserID: "7"},
	}, nil)
	f.sessions["a"].On("SetUser", mock.Anything, mock.Anything).Return(nil)

	f.engine.UpdateUser(testSubject, &UserRequest{UID: uidp(7), Name: "Evelyn"})
	f.engine.Wait()

	f.sessions["a"].AssertCalled(t, "SetUser", mock.Anything, models.User{
		UID: 7, Name: "Evelyn", Privilege: models.PrivilegeAdmin, Card: 42, UserID: "7",
	})
}

func TestDeleteUserTreatsMissingRecordAsSuccess(t *testing.T) {
	f := newFixture(dev("a", true), dev("b", true))

	f.sessions["a"].On("DeleteUser", mock.Anything, uint16(7)).Return(nil)
	f.sessions["b"].On("DeleteUser", mock.Anything, uint16(7)).Return(driver.ErrUserNotFound)

	f.engine.DeleteUser(testSubject, 7)
	f.engine.Wait()

	last := f.rec.last()
	require.NotNil(t, last)
	assert.Equal(t, models.StatusSuccess, last.Status)
}

func TestGetUsersMergesAcrossDevices(t *testing.T) {
	f := newFixture(dev("a", true), dev("b", true))

	f.sessions["a"].On("ListUsers", mock.Anything).Return([]models.User{
		{UID: 1, Name: "Ada", Card: 100},
	}, nil)
	f.sessions["b"].On("ListUsers", mock.Anything).Return([]models.User{
		{UID: 1, Name: "Ada", Card: 100},
		{UID: 2, Name: "Bo"},
	}, nil)

	resp := f.engine.GetUsers(context.Background())
	require.Equal(t, models.StatusSuccess, resp.Status)

	data := resp.Data.(map[string]interface{})
	users := data["users"].([]*MergedUser)
	require.Len(t, users, 2)

	assert.Equal(t, uint16(1), users[0].UID)
	assert.Len(t, users[0].Devices, 2)
	assert.Len(t, users[1].Devices, 1)
	assert.Equal(t, uint16(3), data["next_uid"])
}

func TestPlaySoundUnknownDevice(t *testing.T) {
	f := newFixture(dev("a", true))

	resp := f.engine.PlaySound(context.Background(), driver.VoiceBeep, "ghost")
	assert.Equal(t, models.StatusError, resp.Status)
}
