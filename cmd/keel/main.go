package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keelops/keel/cmd/keel/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Until settings are loaded, log to stderr at the LOG_LEVEL level.
	setupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received interrupt signal, finishing the current resource...")
		cancel()
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err == nil {
		return
	}

	var exitErr *commands.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			log.Error().Err(exitErr.Err).Msg("Command failed")
		}
		os.Exit(exitErr.Code)
	}
	log.Error().Err(err).Msg("Command execution failed")
	os.Exit(1)
}

// setupLogging configures zerolog for structured logging
func setupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
