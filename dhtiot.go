package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"lautenbacher.net/dhtiot/config"
	"lautenbacher.net/dhtiot/logging"
	"lautenbacher.net/dhtiot/monitor"
	"lautenbacher.net/dhtiot/rpc"
	"lautenbacher.net/dhtiot/sensor"
	"lautenbacher.net/dhtiot/tui"
)

const restartDelay = 5 * time.Second

// App is one generation of the running system. A reload throws the App
// away and builds a new one from the config file.
type App struct {
	cfile    string
	useTUI   bool
	forceSim bool
	ossignal chan os.Signal

	cfg         *config.Config
	station     *monitor.Station
	dispatcher  *rpc.Dispatcher
	httpServer  *rpc.HTTPServer
	mqttServer  *rpc.MQTTServer
	stationOpts []monitor.Option
	driver      sensor.Driver

	stationClosed bool
}

func NewApp(cfile string, ossignal chan os.Signal, useTUI, forceSim bool) *App {
	return &App{
		cfile:    cfile,
		useTUI:   useTUI,
		forceSim: forceSim,
		ossignal: ossignal,
	}
}

func buildDriver(cfg *config.Config, forceSim bool) sensor.Driver {
	if forceSim || cfg.Simulation.Enabled {
		slog.Info("Using simulated sensors", "seed", cfg.Simulation.Seed)
		return sensor.NewSimDriver(sensor.SimConfig{
			Seed:         cfg.Simulation.Seed,
			BaseTemp:     cfg.Simulation.BaseTemp,
			BaseHumidity: cfg.Simulation.BaseHumidity,
			GlitchRate:   cfg.Simulation.GlitchRate,
		})
	}
	return sensor.NewRPIODriver()
}

// initialise reads the configuration, sets up logging, brings the station
// up and registers the RPC methods. Only configuration problems are
// returned as errors; a missing sensor leaves the station disabled. On error
// the sensor sessions opened so far are closed again.
func (a *App) initialise(ctx context.Context) (err error) {
	cfg, err := config.ReadConfig(a.cfile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := logging.Init(a.useTUI, logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		return err
	}
	slog.Info("Starting dhtiot", "device", cfg.DeviceID, "config", a.cfile)

	if a.driver == nil {
		a.driver = buildDriver(cfg, a.forceSim)
	}
	a.station = monitor.New(cfg, a.driver, a.stationOpts...)
	if err := a.station.Init(ctx); err != nil {
		slog.Error("Station disabled", "error", err)
	}
	defer func() {
		if err != nil {
			a.closeStation()
		}
	}()

	a.dispatcher = rpc.NewDispatcher()
	if err := a.station.Register(a.dispatcher); err != nil {
		return fmt.Errorf("failed to register query handlers: %w", err)
	}
	if err := a.dispatcher.Register("Config.Get", config.GetHandler(a.cfile)); err != nil {
		return err
	}
	if err := a.dispatcher.Register("Config.Set", config.SetHandler(a.cfile)); err != nil {
		return err
	}

	if cfg.RPC.HTTP.Enabled {
		a.httpServer = rpc.NewHTTPServer(cfg.RPC.HTTP.Address, a.dispatcher, cfg.DeviceID)
	}
	if cfg.RPC.MQTT.Enabled {
		a.mqttServer, err = rpc.NewMQTTServer(a.dispatcher, cfg.DeviceID, cfg.RPC.MQTT.Broker, cfg.RPC.MQTT.ClientID)
		if err != nil {
			return fmt.Errorf("invalid MQTT broker: %w", err)
		}
	}
	return nil
}

// serve runs transports, sampler and viewer until ctx is done or one of
// them fails.
func (a *App) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.httpServer != nil {
		g.Go(func() error { return a.httpServer.Run(gctx) })
	}
	if a.mqttServer != nil {
		g.Go(func() error { return a.mqttServer.Run(gctx) })
	}
	g.Go(func() error { return a.station.Run(gctx) })
	if a.useTUI {
		viewer := tui.NewViewer(a.ossignal, a.forceSim || a.cfg.Simulation.Enabled)
		logging.Hold()
		g.Go(func() error {
			defer logging.Release(os.Stderr)
			return viewer.Run(gctx, a.station.Diagnostics(), a.station.StateEvents())
		})
	}
	return g.Wait()
}

// closeStation releases the sensors once; later calls do nothing.
func (a *App) closeStation() {
	if a.station == nil || a.stationClosed {
		return
	}
	a.stationClosed = true
	if err := a.station.Close(); err != nil {
		slog.Error("Failed to close sensors", "error", err)
	}
}

func (a *App) shutdown() {
	a.closeStation()
	slog.Info("Shutdown complete")
	if err := logging.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "dhtiot: failed to close log: %v\n", err)
	}
}

// runOnce runs one App generation. It reports whether the caller should
// start a new one.
func runOnce(cfile string, ossignal chan os.Signal, useTUI, forceSim bool) (restart bool, err error) {
	app := NewApp(cfile, ossignal, useTUI, forceSim)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defer app.shutdown()
	if err := app.initialise(ctx); err != nil {
		return false, err
	}

	changed, err := config.Watch(ctx, cfile)
	if err != nil {
		slog.Warn("Config file is not watched", "error", err)
	}

	done := make(chan error, 1)
	go func() { done <- app.serve(ctx) }()

	select {
	case sig := <-ossignal:
		restart = sig == syscall.SIGHUP
		slog.Info("Received signal", "signal", sig.String(), "restart", restart)
		cancel()
		err = <-done
	case <-changed:
		slog.Info("Config file changed, restarting")
		restart = true
		cancel()
		err = <-done
	case err = <-done:
		// A failed transport restarts the system after a pause.
		slog.Error("Service failed", "error", err)
		select {
		case sig := <-ossignal:
			if sig != syscall.SIGHUP {
				return false, nil
			}
		case <-time.After(restartDelay):
		}
		return true, nil
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		slog.Error("Service stopped with error", "error", err)
	}
	return restart, nil
}

func main() {
	cfile := flag.String("f", config.CONFILE, "config file to use")
	useTUI := flag.Bool("tui", false, "show the sensor viewer in the terminal")
	forceSim := flag.Bool("sim", false, "use simulated sensors regardless of the config file")
	flag.Parse()

	ossignal := make(chan os.Signal, 1)
	signal.Notify(ossignal, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		restart, err := runOnce(*cfile, ossignal, *useTUI, *forceSim)
		if err != nil {
			logging.Close()
			fmt.Fprintf(os.Stderr, "dhtiot: %v\n", err)
			os.Exit(1)
		}
		if !restart {
			break
		}
		slog.Info("Restarting...")
	}
}

// Local Variables:
// compile-command: "go build"
// End:
