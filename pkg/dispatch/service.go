// Package dispatch is the daemon's bus-facing layer: it subscribes to the
// command subjects, parses envelopes into typed commands, routes them to
// the fleet, sync, and monitor layers, and publishes the responses.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/doorctl/fleetd/pkg/bus"
	"github.com/doorctl/fleetd/pkg/config"
	"github.com/doorctl/fleetd/pkg/driver"
	"github.com/doorctl/fleetd/pkg/fleet"
	"github.com/doorctl/fleetd/pkg/logger"
	"github.com/doorctl/fleetd/pkg/models"
	"github.com/doorctl/fleetd/pkg/monitor"
	syncengine "github.com/doorctl/fleetd/pkg/sync"
)

const handlerTimeout = 30 * time.Second

var (
	errCommandMissing = errors.New("payload has no 'command' field")
	errBadPayload     = errors.New("invalid command payload")
)

// Service wires the bus to the orchestration layers and runs under the
// lifecycle runner.
type Service struct {
	cfg       *Config
	cfgPath   string
	cfgLoader *config.Config
	conn      bus.Conn
	registry  *fleet.Registry
	conns     *fleet.ConnManager
	exec      *fleet.Executor
	cache     *fleet.IdentityCache
	engine    *syncengine.Engine
	monitor   *monitor.Manager
	log       logger.Logger
	subs      []bus.Subscription
	started   time.Time
}

// New assembles the full service graph from config.
func New(cfg *Config, cfgPath string, conn bus.Conn, drv driver.Driver, log logger.Logger) *Service {
	registry := fleet.NewRegistry(cfg.Settings, cfg.Devices, log)
	conns := fleet.NewConnManager(drv, registry.Settings(), log)
	exec := fleet.NewExecutor(log)
	cache := fleet.NewIdentityCache(conns, log)

	s := &Service{
		cfg:       cfg,
		cfgPath:   cfgPath,
		cfgLoader: config.NewConfig(log),
		conn:      conn,
		registry:  registry,
		conns:     conns,
		exec:      exec,
		cache:     cache,
		log:       log,
	}

	s.engine = syncengine.NewEngine(registry, conns, exec, cache, syncengine.NewAnnouncer(conn, log), log)
	s.monitor = monitor.NewManager(registry, conns, cache, conn, log)

	registry.SetSaver(s.saveConfig)

	return s
}

// saveConfig persists the mutated registry back to the config file.
func (s *Service) saveConfig(settings models.Settings, devices []models.DeviceConfig) error {
	if s.cfgPath == "" {
		return nil
	}

	s.cfg.Settings = settings
	s.cfg.Devices = devices

	return s.cfgLoader.Save(s.cfgPath, s.cfg)
}

// Start subscribes to the command subjects, brings up monitoring, and
// announces the service online.
func (s *Service) Start(_ context.Context) error {
	s.started = time.Now()

	for _, subject := range bus.CommandSubjects() {
		sub, err := s.conn.Subscribe(subject, s.handle)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}

		s.subs = append(s.subs, sub)
	}

	s.monitor.StartAll()
	s.publishStatus("online")

	s.log.Info().Int("devices", len(s.registry.List())).Msg("Fleet service started")

	return nil
}

// Stop tears everything down in reverse: no new commands, loops halted,
// in-flight workflows drained, offline announced.
func (s *Service) Stop(_ context.Context) error {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.log.Warn().Err(err).Msg("Unsubscribe failed")
		}
	}

	s.subs = nil

	s.monitor.StopAll()
	s.engine.Wait()
	s.publishStatus("offline")

	s.log.Info().Msg("Fleet service stopped")

	return nil
}

func (s *Service) publishStatus(state string) {
	bus.PublishJSON(s.conn, s.log, bus.SubjectSystemStatus, map[string]interface{}{
		"instance":  uuid.NewString(),
		"state":     state,
		"timestamp": time.Now(),
	})
}

type envelope struct {
	Command   string `json:"command"`
	RequestID string `json:"request_id"`
}

type handlerFunc func(ctx context.Context, command string, raw []byte) *models.Response

func (s *Service) handle(subject string, data []byte) {
	switch subject {
	case bus.SubjectDeviceCommand:
		s.dispatch(bus.SubjectDeviceResponse, data, s.handleDevice)
	case bus.SubjectUserCommand:
		s.dispatch(bus.SubjectUserResponse, data, s.handleUser)
	case bus.SubjectAttendanceCommand:
		s.dispatch(bus.SubjectAttendanceResponse, data, s.handleAttendance)
	case bus.SubjectSystemCommand:
		s.dispatch(bus.SubjectSystemResponse, data, s.handleSystem)
	default:
		s.log.Warn().Str("subject", subject).Msg("Message on unexpected subject")
	}
}

func (s *Service) dispatch(respSubject string, data []byte, h handlerFunc) {
	env, err := parseEnvelope(data)
	if err != nil {
		s.logMalformed(data, err)
		s.respond(respSubject, models.NewResponse(models.StatusError, err.Error(), nil))

		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	resp := h(ctx, env.Command, data)
	if resp == nil {
		return
	}

	if resp.Command == "" {
		resp.Command = env.Command
	}

	resp.RequestID = env.RequestID

	s.respond(respSubject, resp)
}

func (s *Service) respond(subject string, resp *models.Response) {
	bus.PublishJSON(s.conn, s.log, subject, resp)
}

func parseEnvelope(data []byte) (*envelope, error) {
	var env envelope

	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed command payload: %w", err)
	}

	if env.Command == "" {
		return nil, errCommandMissing
	}

	return &env, nil
}

// logMalformed records enough detail to find the broken publisher without
// echoing a possibly huge payload.
func (s *Service) logMalformed(data []byte, err error) {
	evt := s.log.Warn().Err(err).Int("payload_bytes", len(data))

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		evt = evt.Int64("offset", syntaxErr.Offset)
	}

	evt.Msg("Rejected command payload")
}

func unknownCommand(command string) *models.Response {
	return models.NewResponse(models.StatusError, fmt.Sprintf("unknown command %q", command), nil)
}

func badPayload(err error) *models.Response {
	return models.NewResponse(models.StatusError, fmt.Sprintf("%s: %v", errBadPayload, err), nil)
}
