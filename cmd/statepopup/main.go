// statepopup forwards entity state changes to popup subscribers over a
// websocket, filtered and throttled by the stored config entry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nkkko/statepopup/internal/config"
	"github.com/nkkko/statepopup/internal/engine"
	"github.com/nkkko/statepopup/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configFile string
	var overrides config.Overrides

	flagSet := pflag.NewFlagSet("statepopup", pflag.ContinueOnError)
	flagSet.StringVarP(&configFile, "config", "c", "", "path to the YAML configuration file")
	flagSet.StringVar(&overrides.DataDir, "data-dir", "", "directory for the config entry store")
	flagSet.BoolVar(&overrides.InMemory, "in-memory", false, "keep the config entry in memory only")
	flagSet.StringVar(&overrides.ServerAddr, "addr", "", "public HTTP listen address")
	flagSet.StringVar(&overrides.AdminAddr, "admin-addr", "", "admin HTTP listen address")
	flagSet.StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flagSet.StringVar(&overrides.SourceType, "source", "", "state change source (webhook, homeassistant)")
	flagSet.StringVar(&overrides.HomeAssistantURL, "ha-url", "", "Home Assistant websocket URL")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := config.LoadConfig(configFile, overrides)
	if err != nil {
		return err
	}

	// Components capture the global logger when built, so set it up first
	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	eng, err := engine.CreateEngine(cfg, engine.Options{
		ConfigFile: configFile,
		Overrides:  overrides,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := eng.Start(ctx)
	if runErr != nil {
		log.Error().Err(runErr).Msg("Engine stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return runErr
}
