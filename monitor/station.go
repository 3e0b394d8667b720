// Package monitor owns the sensors and their histories. It seeds the
// histories at startup, samples on every tick and answers Dht.Read queries
// from the averages.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"lautenbacher.net/dhtiot/config"
	"lautenbacher.net/dhtiot/history"
	"lautenbacher.net/dhtiot/rpc"
	"lautenbacher.net/dhtiot/sensor"
	"lautenbacher.net/dhtiot/util"
)

// State is the lifecycle state of a Station.
type State int32

const (
	StateUninitialized State = iota
	StateRunning
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	ErrSensorUnavailable = errors.New("no sensor available")
	ErrNotRunning        = errors.New("station not running")
)

const seedAttempts = 3

// Channel is one sensor with its temperature and humidity history.
type Channel struct {
	Name     string
	Pin      int
	Model    sensor.Model
	Temp     *history.Buffer
	Humidity *history.Buffer

	session sensor.Session
}

type Option func(*Station)

// WithSleep replaces the sleep used for the sensor warm-up.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Station) { s.sleep = sleep }
}

// WithClock replaces the clock used for diagnostic timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Station) { s.now = now }
}

// Station is the orchestration object. Init fills the channels once; after
// that the channel list is never modified, only the histories change.
type Station struct {
	cfg      *config.Config
	driver   sensor.Driver
	state    atomic.Int32
	channels []*Channel

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	diagnostics *util.AtomicMapEvent[Diagnostic]
	states      *util.AtomicEvent[State]
}

func New(cfg *config.Config, driver sensor.Driver, opts ...Option) *Station {
	s := &Station{
		cfg:         cfg,
		driver:      driver,
		sleep:       sleepContext,
		now:         time.Now,
		diagnostics: util.NewAtomicMapEvent[Diagnostic](),
		states:      util.NewAtomicEvent[State](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.states.Send(StateUninitialized)
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Station) State() State {
	return State(s.state.Load())
}

func (s *Station) setState(st State) {
	s.state.Store(int32(st))
	s.states.Send(st)
}

// Channels returns the sensors added by Init.
func (s *Station) Channels() []*Channel {
	return s.channels
}

// Diagnostics carries the latest diagnostic record per sensor name.
func (s *Station) Diagnostics() *util.AtomicMapEvent[Diagnostic] {
	return s.diagnostics
}

// StateEvents carries every state change.
func (s *Station) StateEvents() *util.AtomicEvent[State] {
	return s.states
}

// Init creates the sensor sessions, waits for them to warm up and seeds the
// histories. It moves the station to StateRunning, or to StateDisabled when
// sampling is switched off or no sensor could be seeded.
func (s *Station) Init(ctx context.Context) error {
	if s.State() != StateUninitialized {
		return fmt.Errorf("station already initialized (%s)", s.State())
	}
	if !s.cfg.Enabled() {
		slog.Info("Sampling disabled, no sensor pin configured")
		s.setState(StateDisabled)
		return nil
	}

	sensors := s.cfg.Sensors
	if len(sensors) > s.cfg.MaxSensors {
		slog.Error("Can't add all sensors", "configured", len(sensors), "max", s.cfg.MaxSensors)
		sensors = sensors[:s.cfg.MaxSensors]
	}
	for i, sc := range sensors {
		ch, err := s.addChannel(ctx, i, sc)
		if err != nil {
			if ctx.Err() != nil {
				s.closeChannels()
				s.setState(StateDisabled)
				return ctx.Err()
			}
			slog.Error("Sensor not initialized", "pin", sc.Pin, "error", err)
			continue
		}
		s.channels = append(s.channels, ch)
	}

	if len(s.channels) == 0 {
		s.setState(StateDisabled)
		return ErrSensorUnavailable
	}
	s.setState(StateRunning)
	slog.Info("Station running", "sensors", len(s.channels), "interval", s.cfg.SampleInterval)
	return nil
}

func (s *Station) addChannel(ctx context.Context, index int, sc config.SensorConfig) (*Channel, error) {
	if sc.Pin < 0 {
		return nil, fmt.Errorf("sensor %d has no pin", index)
	}
	model, err := sensor.ParseModel(sc.Model)
	if err != nil {
		return nil, err
	}
	session, err := s.driver.Create(sc.Pin, model)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	name := sc.Name
	if name == "" {
		name = fmt.Sprintf("sensor%d", index)
	}
	slog.Info("Sensor initialized", "name", name, "pin", sc.Pin, "model", model)

	temp, humidity, err := s.seedValues(ctx, session, model)
	if err != nil {
		session.Close()
		return nil, err
	}
	ch := &Channel{Name: name, Pin: sc.Pin, Model: model, session: session}
	if ch.Temp, err = history.New(temp, s.cfg.History.Size); err != nil {
		session.Close()
		return nil, err
	}
	if ch.Humidity, err = history.New(humidity, s.cfg.History.Size); err != nil {
		session.Close()
		return nil, err
	}
	slog.Info("Allocated histories", "name", name, "size", s.cfg.History.Size, "temp", temp, "humidity", humidity)
	return ch, nil
}

// seedValues waits out the warm-up and takes the first valid reading,
// trying at most seedAttempts times.
func (s *Station) seedValues(ctx context.Context, session sensor.Session, model sensor.Model) (temp, humidity float64, err error) {
	if err := s.sleep(ctx, model.WarmUp()); err != nil {
		return 0, 0, err
	}
	for attempt := 1; ; attempt++ {
		temp, err = safeRead("temperature", session.Temperature)
		if err == nil {
			humidity, err = safeRead("humidity", session.Humidity)
		}
		if err == nil && !math.IsNaN(temp) && !math.IsNaN(humidity) {
			return temp, humidity, nil
		}
		if err == nil {
			err = errors.New("sensor returned no valid reading")
		}
		if attempt == seedAttempts {
			return 0, 0, fmt.Errorf("failed to seed history after %d attempts: %w", attempt, err)
		}
		slog.Warn("Seed read failed, retrying", "attempt", attempt, "error", err)
		if err := s.sleep(ctx, model.MinInterval()); err != nil {
			return 0, 0, err
		}
	}
}

// Register adds the query handlers to d. A station that is not running
// registers nothing, so its queries fail as unknown methods.
func (s *Station) Register(d *rpc.Dispatcher) error {
	if s.State() != StateRunning {
		slog.Info("Not registering query handlers", "state", s.State())
		return nil
	}
	if err := d.Register(ReadMethod, s.handleRead); err != nil {
		return err
	}
	return d.Register(ReadAllMethod, s.handleReadAll)
}

// Run samples every SampleInterval until ctx is done. A station that is not
// running only waits for ctx.
func (s *Station) Run(ctx context.Context) error {
	if s.State() != StateRunning {
		slog.Info("Sampler not started", "state", s.State())
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Sampler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Close releases the sensor sessions.
func (s *Station) Close() error {
	return s.closeChannels()
}

func (s *Station) closeChannels() error {
	var errs []error
	for _, ch := range s.channels {
		if err := ch.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sensor %s: %w", ch.Name, err))
		}
	}
	return errors.Join(errs...)
}
