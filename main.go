package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/soilprobe/buffer"
	"github.com/mjasion/balena-home/soilprobe/config"
	"github.com/mjasion/balena-home/soilprobe/heartbeat"
	"github.com/mjasion/balena-home/soilprobe/metrics"
	"github.com/mjasion/balena-home/soilprobe/poller"
	"github.com/mjasion/balena-home/soilprobe/probe"
	"github.com/mjasion/balena-home/soilprobe/profiling"
	"github.com/mjasion/balena-home/soilprobe/report"
	"github.com/mjasion/balena-home/soilprobe/sdi12"
	"github.com/mjasion/balena-home/soilprobe/telemetry"
)

func main() {
	configPath := flag.String("c", "config.yaml", "Path to configuration file, empty to read the environment only")
	envFile := flag.String("e", "", "Optional .env file loaded before the configuration")
	dumpConfig := flag.Bool("dump-config", false, "Print the effective configuration as YAML and exit")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			panic("Failed to load env file: " + err.Error())
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	if *dumpConfig {
		if err := cfg.DumpYAML(os.Stdout); err != nil {
			panic("Failed to dump configuration: " + err.Error())
		}
		return
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	cfg.PrintConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("soilprobe stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	profiler, err := profiling.Start(&cfg.Profiling, cfg.Probe.Address, logger)
	if err != nil {
		return err
	}
	defer profiler.Stop()

	otelProviders, err := telemetry.InitProviders(context.Background(), &cfg.OpenTelemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProviders.Shutdown(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bus
	port, err := sdi12.Open(cfg.Probe.Port, cfg.Probe.BaudRate)
	if err != nil {
		return err
	}
	defer port.Close()

	busCfg := sdi12.Config{
		Address:  cfg.ProbeAddress(),
		Timeout:  cfg.ResponseTimeout(),
		Inverted: cfg.Probe.Inverted,
	}
	if cfg.Probe.DirectionPin != "" {
		pin, err := sdi12.OpenDirectionPin(cfg.Probe.DirectionPin)
		if err != nil {
			return err
		}
		busCfg.DirectionPin = pin
	}
	client := sdi12.NewClient(port, busCfg, logger.Named("sdi12"))

	identifyCtx, cancel := context.WithTimeout(ctx, time.Second)
	if id, err := client.Identify(identifyCtx); err != nil {
		logger.Warn("probe did not identify, continuing", zap.Error(err))
	} else {
		logger.Info("probe identified", zap.String("identification", id))
	}
	cancel()

	sampler := probe.NewSampler(client, cfg.SamplingSettings(), logger.Named("probe"))

	// Report channel
	out, err := report.OpenOutput(cfg.Report.Output, cfg.Report.BaudRate)
	if err != nil {
		return err
	}
	defer out.Close()
	emitter := report.NewEmitter(out, report.TimestampMode(cfg.Report.Timestamp))

	// Sinks
	labels := map[string]string{"probe": cfg.Probe.Address, "port": cfg.Probe.Port}
	var sinks []poller.Sink

	var pusher *metrics.Pusher
	if cfg.Prometheus.Enabled {
		buf := buffer.New[*probe.CycleResult](cfg.Prometheus.BufferSize, logger)
		pusher = metrics.New(metrics.Config{
			URL:          cfg.Prometheus.URL,
			Username:     cfg.Prometheus.Username,
			Password:     cfg.Prometheus.Password,
			PushInterval: time.Duration(cfg.Prometheus.PushIntervalSeconds) * time.Second,
			BatchSize:    cfg.Prometheus.BatchSize,
			Labels:       labels,
		}, buf, logger.Named("prometheus"))
		sinks = append(sinks, pusher)
		go pusher.Start(ctx)
	}

	if cfg.InfluxDB.Enabled {
		influx := metrics.NewInfluxSink(metrics.InfluxConfig{
			URL:         cfg.InfluxDB.URL,
			Token:       cfg.InfluxDB.Token,
			Org:         cfg.InfluxDB.Org,
			Bucket:      cfg.InfluxDB.Bucket,
			Measurement: cfg.InfluxDB.Measurement,
			Tags:        labels,
		}, logger.Named("influxdb"))
		defer influx.Close()
		sinks = append(sinks, influx)
	}

	p, err := poller.New(poller.Config{
		Sampler:    sampler,
		Reporter:   emitter,
		Sinks:      sinks,
		CycleDelay: cfg.CycleDelay(),
	}, logger.Named("poller"))
	if err != nil {
		return err
	}

	if cfg.HealthCheck.Enabled {
		hc := metrics.NewHealthChecker(p, pusher, cfg.StaleAfter(), cfg.HealthCheck.Port, logger)
		go func() {
			if err := hc.Start(); err != nil {
				logger.Error("health check server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hc.Stop(shutdownCtx)
		}()
	}

	if cfg.Heartbeat.Enabled {
		hb := heartbeat.New(cfg.Heartbeat.URL, cfg.Heartbeat.Schedule, cfg.StaleAfter(), p, logger.Named("heartbeat"))
		if err := hb.Start(); err != nil {
			return err
		}
		defer hb.Stop()
	}

	logger.Info("service started",
		zap.String("port", cfg.Probe.Port),
		zap.Int("num_samples", cfg.Sampling.NumSamples),
		zap.Int("sinks", len(sinks)),
	)

	err = p.Run(ctx)
	stop()

	if pusher != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if ferr := pusher.Flush(flushCtx); ferr != nil {
			logger.Error("final push failed", zap.Error(ferr))
		}
		cancel()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
