package sensor

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimConfig controls the simulated sensors.
type SimConfig struct {
	Seed         int64
	BaseTemp     float64
	BaseHumidity float64
	// GlitchRate is the probability that a single read yields NaN.
	GlitchRate float64
}

// SimDriver creates sensors that wander around base values. It stands in
// for real hardware during development and in the TUI.
type SimDriver struct {
	cfg SimConfig
	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimDriver(cfg SimConfig) *SimDriver {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimDriver{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

func (d *SimDriver) Create(pin int, model Model) (Session, error) {
	if err := validatePin(pin); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return &simSession{
		cfg:      d.cfg,
		rng:      rand.New(rand.NewSource(d.rng.Int63())),
		temp:     d.cfg.BaseTemp,
		humidity: d.cfg.BaseHumidity,
	}, nil
}

type simSession struct {
	cfg      SimConfig
	mu       sync.Mutex
	rng      *rand.Rand
	temp     float64
	humidity float64
	closed   bool
}

func (s *simSession) next(current *float64, base, step, spread, lo, hi float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return math.NaN(), ErrClosed
	}
	if s.rng.Float64() < s.cfg.GlitchRate {
		return math.NaN(), nil
	}
	v := *current + (s.rng.Float64()-0.5)*step
	v = math.Max(base-spread, math.Min(base+spread, v))
	v = math.Max(lo, math.Min(hi, v))
	*current = v
	return math.Round(v*10) / 10, nil
}

func (s *simSession) Temperature() (float64, error) {
	return s.next(&s.temp, s.cfg.BaseTemp, 0.4, 5, -40, 80)
}

func (s *simSession) Humidity() (float64, error) {
	return s.next(&s.humidity, s.cfg.BaseHumidity, 1.0, 15, 0, 100)
}

func (s *simSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
