package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/tracefabric/tracefabric/internal/broker"
	"github.com/tracefabric/tracefabric/internal/config"
	"github.com/tracefabric/tracefabric/internal/obslog"
)

func main() {
	configPath := flag.String("config", "", "Path to broker config JSON file")
	port := flag.Int("port", 0, "Override the configured listen port (0 keeps the config value)")
	createConfig := flag.String("create-config", "", "Write a default config file to the given path and exit")
	dev := flag.Bool("dev", false, "Development logging (console encoding, debug level)")
	flag.Parse()

	if *createConfig != "" {
		if err := config.WriteDefault(*createConfig); err != nil {
			log.Fatalf("failed to write default config: %v", err)
		}
		log.Printf("wrote default config to %s", *createConfig)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	// Development logging is requested by config or --dev, but an ENV=production
	// deployment always wins: it forces the production encoder even if a stale
	// config file or a leftover --dev flag says otherwise.
	development := cfg.Logging.Development || *dev
	if !obslog.IsDevelopment() {
		development = false
	}

	var logger *obslog.Logger
	if development {
		logger = obslog.NewDevelopment()
	} else {
		logger, err = obslog.New(obslog.Config{Level: cfg.Logging.Level, OutputPaths: []string{"stdout"}})
		if err != nil {
			log.Fatalf("failed to build logger: %v", err)
		}
	}

	b := broker.New(cfg, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := b.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutting down")
		if err := b.Close(); err != nil {
			logger.Warn("error during shutdown", zap.Error(err))
		}
	case err := <-errChan:
		log.Fatalf("broker error: %v", err)
	}
}
