// Command devtools-relay buffers browser telemetry for a remote collector
// and runs commands the collector sends back.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/devtools-relay/collector"
	"github.com/wolfeidau/devtools-relay/config"
)

var version = "dev"

// CLI is the command line. Flags override values from the config file.
type CLI struct {
	Config string `short:"c" help:"Path to the YAML configuration file." type:"existingfile" env:"DEVTOOLS_RELAY_CONFIG"`

	Address        string `help:"Address to listen on." env:"DEVTOOLS_RELAY_ADDRESS"`
	AuthToken      string `help:"Bearer token required by the local HTTP surface." env:"DEVTOOLS_RELAY_AUTH_TOKEN"`
	CollectorURL   string `name:"collector-url" help:"Collector base URL." env:"DEVTOOLS_RELAY_COLLECTOR_URL"`
	CollectorToken string `help:"Bearer token sent to the collector." env:"DEVTOOLS_RELAY_COLLECTOR_TOKEN"`
	BridgeURL      string `name:"bridge-url" help:"Page bridge URL for execute_js. Disabled when empty." env:"DEVTOOLS_RELAY_BRIDGE_URL"`
	AuditPath      string `help:"Path of the result journal database. Disabled when empty." env:"DEVTOOLS_RELAY_AUDIT_PATH"`
	OTLPEndpoint   string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel       string `help:"Log level (debug, info, warn, error)." env:"DEVTOOLS_RELAY_LOG_LEVEL"`
	LogFormat      string `help:"Log format (text, json)." env:"DEVTOOLS_RELAY_LOG_FORMAT"`

	Version kong.VersionFlag `help:"Print the version and exit."`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("devtools-relay"),
		kong.Description("Relay browser devtools telemetry to a collector and run its commands."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	collector.Version = version

	if err := run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay, err := newRelay(ctx, cfg, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- relay.server.Start()
	}()

	logger.Info("relay started",
		"version", version,
		"address", cfg.Server.Address,
		"collector", cfg.Collector.URL,
		"commands", relay.dispatcher.Registry().Types(),
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server stopped", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := relay.shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

// load reads the config file, when given, then applies flag overrides
// and validates the result.
func (cli *CLI) load() (*config.Config, error) {
	cfg := config.Default()
	if cli.Config != "" {
		var err error
		if cfg, err = config.LoadFile(cli.Config); err != nil {
			return nil, err
		}
	}

	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Server.Address, cli.Address)
	override(&cfg.Server.AuthToken, cli.AuthToken)
	override(&cfg.Collector.URL, cli.CollectorURL)
	override(&cfg.Collector.Token, cli.CollectorToken)
	override(&cfg.Queries.BridgeURL, cli.BridgeURL)
	override(&cfg.Audit.Path, cli.AuditPath)
	override(&cfg.Metrics.OTLPEndpoint, cli.OTLPEndpoint)
	override(&cfg.Log.Level, cli.LogLevel)
	override(&cfg.Log.Format, cli.LogFormat)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}
