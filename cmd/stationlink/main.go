package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/HerbHall/stationlink/internal/config"
	"github.com/HerbHall/stationlink/internal/probe"
	"github.com/HerbHall/stationlink/internal/server"
	"github.com/HerbHall/stationlink/internal/version"
	"github.com/HerbHall/stationlink/pkg/models"
	"github.com/HerbHall/stationlink/pkg/stationlink"
)

// errNoNode is returned by the connection test when nothing answered.
var errNoNode = errors.New("no reachable node")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		topics      []string
		statusAddr  string
		showVersion bool
		check       bool
		ping        bool
		printConfig bool
	)
	flagSet := pflag.NewFlagSet("stationlink", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to configuration file")
	flagSet.StringSliceVar(&topics, "topics", nil, "topics to subscribe to (default: all known topics)")
	flagSet.StringVar(&statusAddr, "status-addr", "", "listen address for the status server (e.g. 127.0.0.1:8089)")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	flagSet.BoolVar(&check, "check", false, "run a connection test against every candidate and exit")
	flagSet.BoolVar(&ping, "ping", false, "with --check, also ping each candidate host over ICMP")
	flagSet.BoolVar(&printConfig, "print-config", false, "print the effective configuration as YAML and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(version.Info())
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if printConfig {
		return cfg.Dump(os.Stdout)
	}
	settings, err := cfg.Settings()
	if err != nil {
		return err
	}
	if flagSet.Changed("topics") {
		settings.Topics = topics
	}
	if flagSet.Changed("status-addr") {
		settings.Status.Addr = statusAddr
	}
	if settings.MQTT.ClientIDPrefix == "" {
		settings.MQTT.ClientIDPrefix = version.ClientIDPrefix()
	}

	logger, err := newLogger(settings.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	link, err := stationlink.New(stationlink.Options{
		Settings:   settings,
		Logger:     logger,
		Registerer: reg,
	})
	if err != nil {
		return err
	}
	defer func() { _ = link.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if check {
		return connectionTest(ctx, link, settings, ping)
	}

	logger.Info("stationlink starting",
		zap.String("version", version.Short()),
		zap.Strings("topics", settings.Topics),
	)

	link.OnAll(func(_ context.Context, e stationlink.Event) {
		logger.Info("event",
			zap.String("name", e.Name),
			zap.String("topic", e.Topic),
			zap.ByteString("payload", e.Raw),
		)
	})

	var srv *server.Server
	if settings.Status.Addr != "" {
		srv = server.New(settings.Status.Addr, link, reg, logger.Named("status"))
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("status server error", zap.Error(err))
			}
		}()
	}

	if err := link.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if ctx.Err() == nil {
		logger.Info("stationlink ready", zap.Any("connection", link.Snapshot()))
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown error", zap.Error(err))
		}
	}
	link.Disconnect()

	logger.Info("stationlink stopped")
	return nil
}

func newLogger(s config.LogSettings) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if s.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if s.Level != "" {
		level, err := zap.ParseAtomicLevel(s.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}

// connectionTest prints every candidate's probe result, fastest first, and
// fails if none is reachable.
func connectionTest(ctx context.Context, link *stationlink.Link, settings config.Settings, ping bool) error {
	results := link.Discover(ctx)

	var pinger *probe.ICMPProber
	if ping {
		pinger = probe.NewICMPProber(settings.Discovery.ProbeTimeout, 3, nil)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	header := "ENDPOINT\tREACHABLE\tLATENCY\tERROR"
	if ping {
		header += "\tPING"
	}
	fmt.Fprintln(tw, header)

	found := false
	for _, r := range results {
		found = found || r.Reachable
		row := []string{r.Endpoint.String(), fmt.Sprint(r.Reachable), formatLatency(r), r.Error}
		if pinger != nil {
			row = append(row, formatLatency(probe.Run(ctx, pinger, r.Endpoint, settings.Discovery.ProbeTimeout)))
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if !found {
		return errNoNode
	}
	return nil
}

func formatLatency(r models.ProbeResult) string {
	ms, ok := r.LatencyMs()
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.1fms", ms)
}
