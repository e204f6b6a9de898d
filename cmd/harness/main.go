package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/e2e-harness/harness"
	"github.com/e2e-harness/harness/config"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML environment configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	log := logrus.New()
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(level)
	}

	if *configPath == "" {
		log.Fatal("Please provide a configuration file path using -config flag")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	h, err := harness.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to construct harness")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := h.Enter(ctx); err != nil {
		log.WithError(err).Fatal("Failed to bring up test environment")
	}
	defer h.Exit()

	log.Info("Test environment is up; press Ctrl-C to tear down")
	<-ctx.Done()
}
