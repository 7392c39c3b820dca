package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/morrigan-server/morrigan/internal/component"
	"github.com/morrigan-server/morrigan/internal/component/authcomp"
	"github.com/morrigan-server/morrigan/internal/component/clientcomp"
	"github.com/morrigan-server/morrigan/internal/component/conncomp"
	"github.com/morrigan-server/morrigan/internal/config"
	"github.com/morrigan-server/morrigan/internal/events"
	"github.com/morrigan-server/morrigan/internal/logging"
	"github.com/morrigan-server/morrigan/internal/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("MORRIGAN_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Options{
		Console: cfg.Logger.Console,
		JSON:    cfg.Logger.JSON,
		Level:   cfg.Logger.Level,
		Dir:     cfg.Logger.LogDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	registry := component.NewRegistry()
	for _, register := range []func(*component.Registry) error{
		authcomp.Register,
		clientcomp.Register,
		conncomp.Register,
	} {
		if err := register(registry); err != nil {
			log.Error("component registration failed", "error", err)
			os.Exit(1)
		}
	}

	srv := server.New(server.Options{
		Config:   cfg,
		Registry: registry,
		Log:      log.Logger,
		Bus:      events.New(),
		Version:  version,
	})

	log.Info("morrigan starting", "version", version, "config", *configPath)
	if err := srv.Start(context.Background()); err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)

	reason := signalName(sig)
	log.Info("shutdown signal received", "signal", reason)
	if err := srv.Stop(context.Background(), reason); err != nil {
		log.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("morrigan shutdown complete")
}

// signalName keeps stop reasons in the conventional uppercase spelling;
// os.Signal.String returns prose like "terminated".
func signalName(sig os.Signal) string {
	switch sig {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return sig.String()
}
