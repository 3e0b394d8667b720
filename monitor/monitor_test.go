package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"lautenbacher.net/dhtiot/config"
	"lautenbacher.net/dhtiot/rpc"
	"lautenbacher.net/dhtiot/sensor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedSession plays back a list of readings and repeats the last one.
type scriptedSession struct {
	mu       sync.Mutex
	temps    []float64
	hums     []float64
	tempErr  error
	panicHum bool
	closed   bool
}

func next(values *[]float64) float64 {
	v := (*values)[0]
	if len(*values) > 1 {
		*values = (*values)[1:]
	}
	return v
}

func (s *scriptedSession) Temperature() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tempErr != nil {
		return 0, s.tempErr
	}
	return next(&s.temps), nil
}

func (s *scriptedSession) Humidity() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicHum {
		panic("bus fault")
	}
	return next(&s.hums), nil
}

func (s *scriptedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeDriver struct {
	sessions map[int]*scriptedSession
	created  []int
}

func (d *fakeDriver) Create(pin int, model sensor.Model) (sensor.Session, error) {
	d.created = append(d.created, pin)
	s, ok := d.sessions[pin]
	if !ok {
		return nil, sensor.ErrInvalidPin
	}
	return s, nil
}

type recordingSleep struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slept = append(r.slept, d)
	return ctx.Err()
}

func testConfig(size int, sensors ...config.SensorConfig) *config.Config {
	cfg := config.Default()
	cfg.History.Size = size
	cfg.SampleInterval = 10 * time.Millisecond
	cfg.MaxSensors = 2
	cfg.Sensors = sensors
	return cfg
}

func newStation(t *testing.T, cfg *config.Config, sessions map[int]*scriptedSession) (*Station, *fakeDriver, *recordingSleep) {
	driver := &fakeDriver{sessions: sessions}
	sleeper := &recordingSleep{}
	st := New(cfg, driver, WithSleep(sleeper.sleep))
	return st, driver, sleeper
}

func TestInit_SeedsAndRuns(t *testing.T) {
	sess := &scriptedSession{temps: []float64{20.0}, hums: []float64{40.0}}
	cfg := testConfig(5, config.SensorConfig{Name: "livingroom", Pin: 4, Model: "DHT22"})
	st, driver, sleeper := newStation(t, cfg, map[int]*scriptedSession{4: sess})

	assert.Equal(t, StateUninitialized, st.State())
	require.NoError(t, st.Init(context.Background()))
	assert.Equal(t, StateRunning, st.State())
	assert.Equal(t, []int{4}, driver.created)
	assert.Equal(t, []time.Duration{2100 * time.Millisecond}, sleeper.slept)

	require.Len(t, st.Channels(), 1)
	ch := st.Channels()[0]
	assert.Equal(t, "livingroom", ch.Name)
	assert.Equal(t, []float64{20, 20, 20, 20, 20}, ch.Temp.Snapshot())
	assert.Equal(t, []float64{40, 40, 40, 40, 40}, ch.Humidity.Snapshot())

	assert.Error(t, st.Init(context.Background()), "init runs once")
}

func TestInit_DHT11WarmUp(t *testing.T) {
	sess := &scriptedSession{temps: []float64{20.0}, hums: []float64{40.0}}
	cfg := testConfig(3, config.SensorConfig{Pin: 17, Model: "DHT11"})
	st, _, sleeper := newStation(t, cfg, map[int]*scriptedSession{17: sess})

	require.NoError(t, st.Init(context.Background()))
	assert.Equal(t, []time.Duration{time.Second}, sleeper.slept)
	assert.Equal(t, "sensor0", st.Channels()[0].Name)
}

func TestInit_NegativePinDisables(t *testing.T) {
	cfg := testConfig(5, config.SensorConfig{Pin: -1, Model: "DHT22"})
	st, driver, _ := newStation(t, cfg, nil)

	require.NoError(t, st.Init(context.Background()))
	assert.Equal(t, StateDisabled, st.State())
	assert.Empty(t, driver.created)

	_, err := st.HandleQuery()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestInit_CreateFailureDisables(t *testing.T) {
	cfg := testConfig(5, config.SensorConfig{Pin: 4, Model: "DHT22"})
	st, _, _ := newStation(t, cfg, map[int]*scriptedSession{})

	assert.ErrorIs(t, st.Init(context.Background()), ErrSensorUnavailable)
	assert.Equal(t, StateDisabled, st.State())

	d := rpc.NewDispatcher()
	require.NoError(t, st.Register(d))
	_, err := d.Call(context.Background(), ReadMethod, nil)
	assert.ErrorIs(t, err, rpc.ErrNotFound, "disabled station leaves queries to the transport")
	assert.Equal(t, []string{rpc.ListMethod}, d.Methods())

	// the sampler never starts
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, st.Run(ctx))
	assert.Empty(t, st.Diagnostics().Value())
}

func TestInit_SeedRetriesNaN(t *testing.T) {
	sess := &scriptedSession{temps: []float64{math.NaN(), 21.5}, hums: []float64{50.0}}
	cfg := testConfig(2, config.SensorConfig{Pin: 4, Model: "DHT22"})
	st, _, sleeper := newStation(t, cfg, map[int]*scriptedSession{4: sess})

	require.NoError(t, st.Init(context.Background()))
	assert.Equal(t, []time.Duration{2100 * time.Millisecond, 2 * time.Second}, sleeper.slept)
	assert.Equal(t, []float64{21.5, 21.5}, st.Channels()[0].Temp.Snapshot())
}

func TestInit_SeedGivesUp(t *testing.T) {
	sess := &scriptedSession{temps: []float64{math.NaN()}, hums: []float64{50.0}}
	cfg := testConfig(2, config.SensorConfig{Pin: 4, Model: "DHT22"})
	st, _, _ := newStation(t, cfg, map[int]*scriptedSession{4: sess})

	assert.ErrorIs(t, st.Init(context.Background()), ErrSensorUnavailable)
	assert.Equal(t, StateDisabled, st.State())
	assert.True(t, sess.closed)
}

func TestInit_Cancelled(t *testing.T) {
	sess := &scriptedSession{temps: []float64{20.0}, hums: []float64{40.0}}
	cfg := testConfig(2, config.SensorConfig{Pin: 4, Model: "DHT22"})
	st, _, _ := newStation(t, cfg, map[int]*scriptedSession{4: sess})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, st.Init(ctx), context.Canceled)
	assert.Equal(t, StateDisabled, st.State())
	assert.True(t, sess.closed)
}

func TestInit_SkipsBrokenSensor(t *testing.T) {
	good := &scriptedSession{temps: []float64{18.0}, hums: []float64{60.0}}
	cfg := testConfig(2,
		config.SensorConfig{Name: "broken", Pin: 4, Model: "DHT22"},
		config.SensorConfig{Name: "cellar", Pin: 5, Model: "DHT22"})
	st, _, _ := newStation(t, cfg, map[int]*scriptedSession{5: good})

	require.NoError(t, st.Init(context.Background()))
	require.Len(t, st.Channels(), 1)
	assert.Equal(t, "cellar", st.Channels()[0].Name)
}

func TestTick_Scenario(t *testing.T) {
	sess := &scriptedSession{
		temps: []float64{20.0, 21.0, 22.0, 23.0, math.NaN(), 24.0},
		hums:  []float64{40.0},
	}
	cfg := testConfig(5, config.SensorConfig{Pin: 4, Model: "DHT22"})
	st, _, _ := newStation(t, cfg, map[int]*scriptedSession{4: sess})
	require.NoError(t, st.Init(context.Background()))

	for i := 0; i < 5; i++ {
		st.Tick(context.Background())
	}

	r, err := st.HandleQuery()
	require.NoError(t, err)
	assert.Equal(t, Reading{Temp: 22.0, Humidity: 40.0}, r)
	assert.ElementsMatch(t, []float64{24, 22, 23, 20, 21}, st.Channels()[0].Temp.Snapshot())
}

func TestTick_ReadFailuresDoNotStopSampling(t *testing.T) {
	sess := &scriptedSession{temps: []float64{20.0}, hums: []float64{40.0, 50.0}}
	cfg := testConfig(1, config.SensorConfig{Name: "attic", Pin: 4, Model: "DHT22"})
	st, _, _ := newStation(t, cfg, map[int]*scriptedSession{4: sess})
	require.NoError(t, st.Init(context.Background()))

	sess.mu.Lock()
	sess.tempErr = errors.New("timeout")
	sess.mu.Unlock()

	assert.NotPanics(t, func() { st.Tick(context.Background()) })
	r, err := st.HandleQuery()
	require.NoError(t, err)
	assert.Equal(t, 20.0, r.Temp, "failed temperature read leaves the history alone")
	assert.Equal(t, 50.0, r.Humidity, "humidity is still sampled")

	sess.mu.Lock()
	sess.tempErr = nil
	sess.temps = []float64{25.0}
	sess.panicHum = true
	sess.mu.Unlock()

	assert.NotPanics(t, func() { st.Tick(context.Background()) })
	r, err = st.HandleQuery()
	require.NoError(t, err)
	assert.Equal(t, Reading{Temp: 25.0, Humidity: 50.0}, r)

	d := st.Diagnostics().Value()["attic"]
	assert.Equal(t, 25.0, d.Temp)
	assert.True(t, math.IsNaN(d.Humidity))
	assert.Equal(t, 50.0, d.HumidityAvg)
}

func TestTick_CapacityOne(t *testing.T) {
	sess := &scriptedSession{temps: []float64{19.5, 20.0}, hums: []float64{40.0}}
	cfg := testConfig(1, config.SensorConfig{Pin: 4, Model: "DHT22"})
	st, _, _ := newStation(t, cfg, map[int]*scriptedSession{4: sess})
	require.NoError(t, st.Init(context.Background()))

	r, _ := st.HandleQuery()
	assert.Equal(t, 19.5, r.Temp)
	st.Tick(context.Background())
	r, _ = st.HandleQuery()
	assert.Equal(t, 20.0, r.Temp)
}

func TestQuery_WithoutUpdatesReturnsRoundedSeed(t *testing.T) {
	sess := &scriptedSession{temps: []float64{21.26}, hums: []float64{44.96}}
	cfg := testConfig(4, config.SensorConfig{Pin: 4, Model: "DHT22"})
	st, _, _ := newStation(t, cfg, map[int]*scriptedSession{4: sess})
	require.NoError(t, st.Init(context.Background()))

	r, err := st.HandleQuery()
	require.NoError(t, err)
	assert.Equal(t, Reading{Temp: 21.3, Humidity: 45.0}, r)
}

func TestDiagnostic_Daylight(t *testing.T) {
	sess := &scriptedSession{temps: []float64{20.0}, hums: []float64{40.0}}
	cfg := testConfig(2, config.SensorConfig{Name: "garden", Pin: 4, Model: "DHT22"})
	cfg.Location = config.LocationConfig{Enabled: true, Latitude: 52.52, Longitude: 13.40}

	now := time.Date(2024, time.June, 21, 12, 0, 0, 0, time.UTC)
	st := New(cfg, &fakeDriver{sessions: map[int]*scriptedSession{4: sess}},
		WithSleep((&recordingSleep{}).sleep),
		WithClock(func() time.Time { return now }))
	require.NoError(t, st.Init(context.Background()))

	st.Tick(context.Background())
	d := st.Diagnostics().Value()["garden"]
	assert.True(t, d.Daylight)
	assert.Equal(t, now, d.Time)

	now = time.Date(2024, time.December, 21, 23, 0, 0, 0, time.UTC)
	st.Tick(context.Background())
	assert.False(t, st.Diagnostics().Value()["garden"].Daylight)
}

func TestRegisterAndDispatch(t *testing.T) {
	sess := &scriptedSession{temps: []float64{22.0}, hums: []float64{45.3}}
	cfg := testConfig(3, config.SensorConfig{Name: "livingroom", Pin: 4, Model: "DHT22"})
	st, _, _ := newStation(t, cfg, map[int]*scriptedSession{4: sess})
	require.NoError(t, st.Init(context.Background()))

	d := rpc.NewDispatcher()
	require.NoError(t, st.Register(d))

	resp := d.Serve(context.Background(), rpc.Request{ID: 1, Src: "phone", Method: ReadMethod}, "dhtiot")
	require.Nil(t, resp.Error)
	assert.Equal(t, `{"temp":22.0,"humidity":45.3}`, string(resp.Result))

	resp = d.Serve(context.Background(), rpc.Request{ID: 2, Method: ReadAllMethod}, "dhtiot")
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `[{"name":"livingroom","pin":4,"reading":{"temp":22.0,"humidity":45.3}}]`, string(resp.Result))
}

func TestReading_JSON(t *testing.T) {
	data, err := json.Marshal(Reading{Temp: -3.25, Humidity: 100})
	require.NoError(t, err)
	assert.Equal(t, `{"temp":-3.3,"humidity":100.0}`, string(data))

	data, err = json.Marshal(Reading{Temp: math.Inf(1), Humidity: math.NaN()})
	require.NoError(t, err)
	assert.Equal(t, `{"temp":null,"humidity":null}`, string(data))

	var r Reading
	require.NoError(t, json.Unmarshal([]byte(`{"temp":22.0,"humidity":45.3}`), &r))
	assert.Equal(t, Reading{Temp: 22.0, Humidity: 45.3}, r)
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	sess := &scriptedSession{temps: []float64{20.0, 30.0}, hums: []float64{40.0}}
	cfg := testConfig(1, config.SensorConfig{Name: "hall", Pin: 4, Model: "DHT22"})
	st, _, _ := newStation(t, cfg, map[int]*scriptedSession{4: sess})
	require.NoError(t, st.Init(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx) }()

	select {
	case <-st.Diagnostics().Channel():
	case <-time.After(5 * time.Second):
		t.Fatal("no tick within 5s")
	}
	r, err := st.HandleQuery()
	require.NoError(t, err)
	assert.Equal(t, 30.0, r.Temp)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, st.Close())
	assert.True(t, sess.closed)
}

func TestConcurrentTicksAndQueries(t *testing.T) {
	sess := &scriptedSession{temps: []float64{20.0, 20.5, 21.0, 21.5}, hums: []float64{40.0}}
	cfg := testConfig(8, config.SensorConfig{Pin: 4, Model: "DHT22"})
	st, _, _ := newStation(t, cfg, map[int]*scriptedSession{4: sess})
	require.NoError(t, st.Init(context.Background()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			st.Tick(context.Background())
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				res, err := st.HandleQuery()
				if assert.NoError(t, err) {
					assert.GreaterOrEqual(t, res.Temp, 20.0)
					assert.LessOrEqual(t, res.Temp, 21.5)
				}
			}
		}()
	}
	wg.Wait()

	r, err := st.HandleQuery()
	require.NoError(t, err)
	assert.Equal(t, 21.5, r.Temp)
}
