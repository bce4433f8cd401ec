package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/doorctl/fleetd/pkg/bus"
	"github.com/doorctl/fleetd/pkg/config"
	"github.com/doorctl/fleetd/pkg/dispatch"
	"github.com/doorctl/fleetd/pkg/driver"
	"github.com/doorctl/fleetd/pkg/driver/sim"
	"github.com/doorctl/fleetd/pkg/lifecycle"
	"github.com/doorctl/fleetd/pkg/logger"
)

func main() {
	configPath := flag.String("config", "/etc/fleetd/fleetd.json", "Path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("fleetd: %v", err)
	}
}

func run(configPath string) error {
	ctx := context.Background()

	var cfg dispatch.Config

	if err := config.NewConfig(nil).LoadAndValidate(ctx, configPath, &cfg); err != nil {
		return err
	}

	logr, err := logger.NewWithComponent(cfg.Logging, "fleetd")
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	drv, err := newDriver(cfg.Driver)
	if err != nil {
		return err
	}

	conn, err := bus.Connect(&cfg.Bus, logr)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer conn.Close()

	logr.Info().
		Str("config", configPath).
		Str("bus", cfg.Bus.URL).
		Str("driver", cfg.Driver.Type).
		Int("pid", os.Getpid()).
		Msg("Starting fleetd")

	return lifecycle.Run(ctx, dispatch.New(&cfg, configPath, conn, drv, logr), logr)
}

func newDriver(cfg dispatch.DriverConfig) (driver.Driver, error) {
	switch cfg.Type {
	case "sim":
		return sim.New(), nil
	default:
		return nil, fmt.Errorf("unknown driver type %q", cfg.Type)
	}
}
