// Command myo-blink runs the muscle control node until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"myoblink/bus"
	"myoblink/flexray"
	"myoblink/flexray/sim"
	"myoblink/flexray/spibridge"
	"myoblink/internal/logging"
	"myoblink/services/bridge"
	"myoblink/services/config"
	"myoblink/services/heartbeat"
	"myoblink/services/myo"
	"myoblink/services/telemetry"
)

const app = "myo-blink"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		cfgPath string
		driver  string
		level   string
		monitor bool
	)
	fs := pflag.NewFlagSet(app, pflag.ContinueOnError)
	fs.StringVarP(&cfgPath, "config", "c", "", "node config file (TOML)")
	fs.StringVar(&driver, "driver", "", "bus driver, sim or spidev (overrides node.driver)")
	fs.StringVar(&level, "log-level", "", "log level (overrides log.level)")
	fs.BoolVar(&monitor, "monitor", false, "log every bus message under the node prefix at debug level")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", app, err)
		return 2
	}

	boot := logging.Default(app)
	cfg, err := config.Load(cfgPath, os.Getenv)
	if err != nil {
		return configFailed(boot, err)
	}
	if driver != "" {
		cfg.Node.Driver = driver
	}
	if level != "" {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return configFailed(boot, err)
	}

	log := logging.New(app, cfg.Log, os.Stderr)
	desc, err := cfg.Description()
	if err != nil {
		return configFailed(log, err)
	}
	log.Info().Str("source", cfg.BridgeSource).Msg("Description parsed")

	drv, err := newDriver(cfg)
	if err != nil {
		return configFailed(log, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bus.NewBus(64)
	config.Publish(b.NewConnection("config"), cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc := myo.New(b.NewConnection("myo"), drv, cfg.Loop,
		myo.WithLogger(log), myo.WithRegisterer(reg))
	hb := heartbeat.New(b.NewConnection("heartbeat"), cfg.Loop.Name, cfg.Heartbeat.Period, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx, desc) })
	g.Go(func() error { return hb.Run(gctx) })

	if monitor {
		mon := b.NewConnection("monitor")
		g.Go(func() error { return runMonitor(gctx, mon, cfg.Loop.Name, log) })
	}

	if cfg.Link.Address != "" {
		link := bridge.New(b, cfg.Loop.Name, linkConfig(cfg), log)
		g.Go(func() error { return link.Run(gctx) })
	}

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if cfg.Recorder.File != "" {
		f, err := os.OpenFile(cfg.Recorder.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Error().Err(err).Str("file", cfg.Recorder.File).Msg("open recorder file")
			return 1
		}
		defer f.Close()
		rec := telemetry.New(b.NewConnection("recorder"), cfg.Loop.Name, f, log)
		g.Go(func() error { return rec.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("exiting")
		return 1
	}
	log.Info().Msg("shutdown complete")
	return 0
}

// configFailed reports a fatal configuration problem the way operators expect
// to grep for it.
func configFailed(log zerolog.Logger, err error) int {
	var ce *config.Error
	if errors.As(err, &ce) {
		log.Error().Msg("Error in " + ce.Error())
	} else {
		log.Error().Err(err).Msg("invalid configuration")
	}
	return 1
}

func newDriver(cfg config.Config) (flexray.Driver, error) {
	switch cfg.Node.Driver {
	case config.DriverSim:
		return sim.New(sim.Config{Present: cfg.Sim.Present}), nil
	case config.DriverSpidev:
		return spibridge.New(spibridge.Spidev(cfg.Spidev.SpeedHz)), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Node.Driver)
	}
}

// linkConfig exports the node's public topics to bridge peers.
func linkConfig(cfg config.Config) bridge.Config {
	name := cfg.Loop.Name
	return bridge.Config{
		Network:        cfg.Link.Network,
		Address:        cfg.Link.Address,
		RequestTimeout: cfg.Link.RequestTimeout,
		Exports: []bus.Topic{
			myo.StatusTopic(name),
			myo.AllSensors(name),
			myo.StateTopic(name),
			heartbeat.Topic(name),
			bridge.StateTopic(name),
			bus.T(name, "config", bus.WildOne),
		},
		Requests: []bus.Topic{myo.MoveTopic(name)},
	}
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// runMonitor logs all node traffic.
func runMonitor(ctx context.Context, conn *bus.Connection, name string, log zerolog.Logger) error {
	sub := conn.Subscribe(bus.T(name, bus.WildRest))
	defer conn.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			log.Debug().Str("topic", m.Topic.String()).Bool("retained", m.Retained).
				Interface("payload", m.Payload).Msg("monitor")
		}
	}
}
