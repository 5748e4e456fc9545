package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/illmade-knight/go-iotmonitor/pkg/broker"
	"github.com/illmade-knight/go-iotmonitor/pkg/central"
	"github.com/illmade-knight/go-iotmonitor/pkg/config"
	"github.com/illmade-knight/go-iotmonitor/pkg/enrichment"
	"github.com/illmade-knight/go-iotmonitor/pkg/monitor"
	"github.com/illmade-knight/go-iotmonitor/pkg/render"
	"github.com/illmade-knight/go-iotmonitor/pkg/target"
	"github.com/illmade-knight/go-iotmonitor/pkg/types"
	"github.com/illmade-knight/go-iotmonitor/pkg/validate"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printUsage(stderr)
		return fmt.Errorf("subcommand required")
	}

	switch args[0] {
	case "monitor-events":
		return runMonitor(args[1:], stdout, stderr, false)
	case "validate-messages":
		return runMonitor(args[1:], stdout, stderr, true)
	case "device-show":
		return runDeviceShow(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown subcommand: %q", args[0])
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: iotmon <subcommand> [flags]

Subcommands:
  monitor-events      Stream device telemetry from the hub's event endpoint
  validate-messages   Stream device telemetry and report messages that fail validation
  device-show         Show a Central device, optionally with its twin

Targets are selected with --login (event-hub-compatible connection string) or
--app-id and --token (IoT Central). Every flag can also be set as IOTMON_<NAME>.

Run 'iotmon <subcommand> --help' for subcommand flags.
`)
}

func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).Level(lvl).With().Timestamp().Logger(), nil
}

// contextWithSignals cancels on SIGINT or SIGTERM so a session drains on Ctrl-C.
func contextWithSignals() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newCentralClient(cfg *config.Config, logger zerolog.Logger) (*central.Client, error) {
	return central.NewClient(central.Config{
		AppID:       cfg.AppID,
		DNSSuffix:   cfg.CentralDNSSuffix,
		BearerToken: cfg.Token,
	}, &http.Client{Timeout: 30 * time.Second}, logger)
}

func runMonitor(args []string, stdout, stderr io.Writer, validating bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	name := "monitor-events"
	if validating {
		name = "validate-messages"
	}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.BindConnectionFlags(fs)
	cfg.BindMonitorFlags(fs)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	var maxMessages int64
	var stopOnCorrupt bool
	fs.Int64Var(&maxMessages, "max-messages", 0, "stop after this many messages, 0 for no limit")
	if validating {
		cfg.BindValidationFlags(fs)
		fs.BoolVar(&stopOnCorrupt, "stop-on-corrupt", false, "stop at the first message that fails validation")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := newLogger(stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	if err := cfg.CheckTarget(); err != nil {
		return err
	}
	consumerCfg, err := cfg.ConsumerConfig(validating)
	if err != nil {
		return err
	}
	format, err := render.ParseFormat(cfg.Output)
	if err != nil {
		return err
	}

	var resolver target.Resolver = target.ConnectionStringResolver{ConnectionString: cfg.Login, EntityPath: cfg.EntityPath}
	var client *central.Client
	if cfg.UsesCentral() {
		client, err = newCentralClient(cfg, logger)
		if err != nil {
			return err
		}
		resolver = target.CentralResolver{AppID: cfg.AppID, BearerToken: cfg.Token, Exchanger: client, Logger: logger}
	}

	var source validate.SchemaSource
	if validating {
		source, err = schemaSource(cfg, client, logger)
		if err != nil {
			return err
		}
	}

	kafkaCfg := broker.LoadDefaultKafkaBrokerConfig(cfg.KafkaClientID)
	dial := func(_ context.Context, t types.ConnectionTarget) (broker.Broker, error) {
		return broker.NewKafkaBroker(t, kafkaCfg, logger)
	}

	printer := render.NewPrinter(stdout, format)
	printer.ShowValidation = validating

	var emitted atomic.Int64
	stop := func(res types.ValidationResult) bool {
		n := emitted.Add(1)
		if maxMessages > 0 && n >= maxMessages {
			return true
		}
		return stopOnCorrupt && res.Corrupt
	}

	ctx, cancel := contextWithSignals()
	defer cancel()

	session := monitor.NewSession(resolver, dial, consumerCfg, source, logger)
	stats, runErr := session.Run(ctx, printer.Print, stop)

	summary := render.NewPrinter(stderr, render.FormatText)
	if err := summary.Summary(stats); err != nil {
		logger.Warn().Err(err).Msg("Failed to write summary.")
	}
	return runErr
}

func schemaSource(cfg *config.Config, client *central.Client, logger zerolog.Logger) (validate.SchemaSource, error) {
	if cfg.SchemaFile != "" {
		schema, err := validate.LoadSchemaFile(cfg.SchemaFile)
		if err != nil {
			return nil, &types.ConfigurationError{Field: "schema", Reason: err.Error()}
		}
		schema.Strict = schema.Strict || cfg.Strict
		return validate.StaticSchema{Schema: schema}, nil
	}
	if client != nil {
		tcfg := enrichment.DefaultTemplateSourceConfig()
		tcfg.Strict = cfg.Strict
		return enrichment.NewTemplateSchemaSource(client, tcfg, logger)
	}
	return nil, nil
}

func runDeviceShow(args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fs := pflag.NewFlagSet("device-show", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.BindConnectionFlags(fs)
	fs.StringVarP(&cfg.DeviceID, "device-id", "d", cfg.DeviceID, "device to show")
	fs.StringVarP(&cfg.Output, "output", "o", cfg.Output, "output format: json, yaml or text")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	var withTwin bool
	fs.BoolVar(&withTwin, "twin", false, "also show the device twin")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := newLogger(stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	if !cfg.UsesCentral() || cfg.Token == "" {
		return &types.ConfigurationError{Field: "app_id", Reason: "device-show requires --app-id and --token"}
	}
	if cfg.DeviceID == "" {
		return &types.ConfigurationError{Field: "device_id", Reason: "must not be empty"}
	}
	if err := central.CheckBearerToken(cfg.Token, time.Now()); err != nil {
		return &types.AuthResolutionError{Source: "central app " + cfg.AppID, Err: err}
	}
	format, err := render.ParseFormat(cfg.Output)
	if err != nil {
		return err
	}
	client, err := newCentralClient(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := contextWithSignals()
	defer cancel()

	device, err := client.GetDevice(ctx, cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to read device %s: %w", cfg.DeviceID, err)
	}
	out := map[string]any{"device": device}
	if withTwin {
		tokens, err := client.GenerateTokens(ctx)
		if err != nil {
			return &types.AuthResolutionError{Source: "central app " + cfg.AppID, Err: err}
		}
		twin, err := client.ShowDeviceTwin(ctx, tokens, cfg.DeviceID)
		if err != nil {
			return fmt.Errorf("failed to read twin of %s: %w", cfg.DeviceID, err)
		}
		out["twin"] = twin
	}
	return render.NewPrinter(stdout, format).PrintValue(out)
}
