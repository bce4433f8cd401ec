// Package logger provides JSON structured logging using zerolog.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level      string `json:"level"`
	Debug      bool   `json:"debug"`
	Output     string `json:"output"`
	TimeFormat string `json:"time_format"`
}

// New builds a Logger from config. An empty config yields an info-level
// JSON logger on stdout.
func New(config *Config) (Logger, error) {
	if config == nil {
		config = &Config{}
	}

	var output io.Writer = os.Stdout

	if config.Output == "stderr" {
		output = os.Stderr
	}

	level := zerolog.InfoLevel

	if config.Debug {
		level = zerolog.DebugLevel
	} else if config.Level != "" {
		var err error

		level, err = zerolog.ParseLevel(config.Level)
		if err != nil {
			return nil, err
		}
	}

	if config.TimeFormat != "" {
		zerolog.TimeFieldFormat = config.TimeFormat
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	zlog := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &zlogger{log: zlog}, nil
}

// NewWithComponent builds a Logger that tags every event with a component
// field.
func NewWithComponent(config *Config, component string) (Logger, error) {
	l, err := New(config)
	if err != nil {
		return nil, err
	}

	z := l.(*zlogger)
	z.log = z.log.With().Str("component", component).Logger()

	return z, nil
}

type zlogger struct {
	log zerolog.Logger
}

func (z *zlogger) Trace() *zerolog.Event { return z.log.Trace() }
func (z *zlogger) Debug() *zerolog.Event { return z.log.Debug() }
func (z *zlogger) Info() *zerolog.Event  { return z.log.Info() }
func (z *zlogger) Warn() *zerolog.Event  { return z.log.Warn() }
func (z *zlogger) Error() *zerolog.Event { return z.log.Error() }
func (z *zlogger) Fatal() *zerolog.Event { return z.log.Fatal() }
func (z *zlogger) Panic() *zerolog.Event { return z.log.Panic() }
func (z *zlogger) With() zerolog.Context { return z.log.With() }

func (z *zlogger) WithComponent(component string) zerolog.Logger {
	return z.log.With().Str("component", component).Logger()
}

func (z *zlogger) WithFields(fields map[string]interface{}) zerolog.Logger {
	ctx := z.log.With()
	for key, value := range fields {
		ctx = ctx.Interface(key, value)
	}

	return ctx.Logger()
}

func (z *zlogger) SetLevel(level zerolog.Level) {
	z.log = z.log.Level(level)
}

func (z *zlogger) SetDebug(debug bool) {
	if debug {
		z.SetLevel(zerolog.DebugLevel)
	} else {
		z.SetLevel(zerolog.InfoLevel)
	}
}
