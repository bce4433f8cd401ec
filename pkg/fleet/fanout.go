package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/doorctl/fleetd/pkg/logger"
	"github.com/doorctl/fleetd/pkg/models"
)

const defaultTaskTimeout = 10 * time.Second

// Result is one device's outcome inside a fan-out aggregate.
type Result struct {
	DeviceID   string                 `json:"device_id"`
	DeviceName string                 `json:"device_name"`
	Status     string                 `json:"status"`
	Message    string                 `json:"message,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Success builds a successful per-device result.
func Success(message string) Result {
	return Result{Status: models.StatusSuccess, Message: message}
}

// Failure builds a failed per-device result with a human-readable reason.
func Failure(message string) Result {
	return Result{Status: models.StatusFailed, Message: message}
}

// Errored builds an errored per-device result from an unexpected fault.
func Errored(err error) Result {
	return Result{Status: models.StatusError, Message: "operation failed", Error: err.Error()}
}

// WithData attaches a data payload to a result.
func (r Result) WithData(data map[string]interface{}) Result {
	r.Data = data
	return r
}

// FanOut aggregates per-device results of one fleet operation.
type FanOut struct {
	Successful int      `json:"successful_operations"`
	Total      int      `json:"total_devices"`
	Results    []Result `json:"operation_results"`
}

// Status folds the aggregate into a single response status.
func (f *FanOut) Status() string {
	switch {
	case f.Successful == f.Total:
		return models.StatusSuccess
	case f.Successful > 0:
		return models.StatusPartialSuccess
	default:
		return models.StatusFailed
	}
}

// DeviceOp runs against one device under a per-task context.
type DeviceOp func(ctx context.Context, dev models.DeviceConfig) Result

// Executor fans an operation out across devices, one goroutine per device.
// Devices never block each other; a slow terminal costs only its own task
// timeout.
type Executor struct {
	taskTimeout time.Duration
	log         logger.Logger
}

func NewExecutor(log logger.Logger) *Executor {
	return &Executor{taskTimeout: defaultTaskTimeout, log: log}
}

// Run executes op on every device in parallel and gathers the results in
// device order. An empty device set returns ErrNoTargets without spawning
// anything.
func (e *Executor) Run(ctx context.Context, devices []models.DeviceConfig, label string, op DeviceOp) (*FanOut, error) {
	if len(devices) == 0 {
		return nil, ErrNoTargets
	}

	results := make([]Result, len(devices))

	var wg sync.WaitGroup

	for i := range devices {
		wg.Add(1)

		go func(idx int, dev models.DeviceConfig) {
			defer wg.Done()

			tctx, cancel := context.WithTimeout(ctx, e.taskTimeout)
			defer cancel()

			r := op(tctx, dev)
			r.DeviceID = dev.ID
			r.DeviceName = dev.Name

			results[idx] = r
		}(i, devices[i])
	}

	wg.Wait()

	agg := &FanOut{Total: len(devices), Results: results}

	for _, r := range results {
		if r.Status == models.StatusSuccess {
			agg.Successful++
		}
	}

	e.log.Debug().
		Str("operation", label).
		Int("total", agg.Total).
		Int("successful", agg.Successful).
		Msg("Fan-out complete")

	return agg, nil
}
