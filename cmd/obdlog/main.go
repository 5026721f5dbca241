package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/shaunagostinho/obdlog/internal/acquisition"
	"github.com/shaunagostinho/obdlog/internal/config"
	"github.com/shaunagostinho/obdlog/internal/export"
	"github.com/shaunagostinho/obdlog/internal/forward"
	"github.com/shaunagostinho/obdlog/internal/logger"
	"github.com/shaunagostinho/obdlog/internal/server"
	"github.com/shaunagostinho/obdlog/internal/store"
)

const localConfig = "obdlog.yaml"

func main() {
	flags := pflag.NewFlagSet("obdlog", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to config file")
	demo := flags.Bool("demo", false, "use the built-in adapter emulator")
	driver := flags.String("start", "", "start recording for this driver on launch")
	flags.String("transport", "", "adapter transport: serial, rfcomm or emulator")
	flags.String("address", "", "adapter address (tty path or Bluetooth MAC)")
	flags.Int("baud", 0, "serial baud rate")
	flags.Int("channel", 0, "RFCOMM channel")
	flags.String("db", "", "database path")
	flags.String("listen", "", "HTTP listen address")
	flags.String("log-level", "", "log level")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(resolveConfigPath(*configPath), flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *demo {
		cfg.Device.Transport = config.TransportEmulator
		if cfg.Device.Address == "" {
			cfg.Device.Address = "emulator"
		}
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Console); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *driver); err != nil {
		log := logger.For("main")
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

// resolveConfigPath picks the flag, then $OBDLOG_CONFIG, then a local
// obdlog.yaml. Empty means search the default locations.
func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv(config.EnvPrefix + "_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat(localConfig); err == nil {
		return localConfig
	}
	return ""
}

func run(ctx context.Context, cfg *config.Config, driver string) error {
	log := logger.For("main")
	log.Info().
		Str("transport", cfg.Device.Transport).
		Str("address", cfg.Device.Address).
		Str("db", cfg.Store.Path).
		Msg("obdlog starting")

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	pipeline, err := acquisition.New(acquisition.Options{
		Config:    cfg,
		Store:     st,
		Indicator: logIndicator{log: logger.For("indicator")},
	})
	if err != nil {
		return err
	}

	if cfg.Export.Live {
		live := export.NewLogger(cfg.Export.Path)
		live.Attach(pipeline.Events())
		defer live.Close()
	}

	if cfg.MQTT.Enabled {
		pub := forward.NewPublisher(cfg.MQTT)
		pub.Attach(pipeline.Events())
		go connectWithRetry(ctx, "mqtt", pub, 10)
		defer pub.Stop()
	}

	srv := server.New(server.Options{
		Config:   cfg,
		Store:    st,
		Pipeline: pipeline,
		Exporter: export.NewExporter(cfg.Export.Path, st),
	})
	defer srv.Close()

	if driver != "" {
		if err := pipeline.Start(ctx, driver); err != nil {
			log.Error().Err(err).Str("driver", driver).Msg("could not start acquisition")
		}
	}

	err = srv.Run(ctx)
	log.Info().Msg("shutting down")
	// Terminal events must reach the sinks before they close.
	pipeline.Stop()
	return err
}

// logIndicator reports the acquisition-in-progress state in the log.
type logIndicator struct {
	log zerolog.Logger
}

func (i logIndicator) Acquire(driver string) {
	i.log.Info().Str("driver", driver).Msg("recording")
}

func (i logIndicator) Release() {
	i.log.Info().Msg("recording stopped")
}

type connectable interface {
	Start() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	log := logger.For(name)
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Start(); err != nil {
			attempt++
			ev := log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay)
			if attempt <= maxAttempts {
				ev = ev.Int("max_attempts", maxAttempts)
			}
			ev.Msg("connect failed")

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Info().Int("attempt", attempt+1).Msg("connected")
			return
		}
	}
}
