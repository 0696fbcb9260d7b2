// Package main is the entry point for the trace fabric broker.
//
// The broker accepts WebSocket links from producers and consumers, routes
// inbound log and trace frames to persistence and subscribers, and serves
// operational HTTP endpoints (health, stats, Prometheus metrics).
//
// Configuration:
//   - JSON config file (--config)
//   - Environment variable overlay (12-factor)
//   - --create-config writes a default config file and exits
//
// Usage:
//
//	# Production mode
//	./fabricbroker --config broker.json
//
//	# Development mode (colored logs, debug level)
//	./fabricbroker --config broker.json --dev
//
// ENV=production overrides --dev and a config file's logging.development,
// so a deployed instance can't be left in console-encoded debug logging by
// a stray flag or stale config.
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
