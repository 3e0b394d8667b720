package sensor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
)

const (
	// How long the host holds the line low to request a measurement.
	startSignalDHT11 = 18 * time.Millisecond
	startSignalDHT22 = 1100 * time.Microsecond
	// Upper bound for any single level while the sensor is talking.
	pulseTimeout = 200 * time.Microsecond
)

// RPIODriver reads sensors by bit-banging the single-wire DHT protocol on
// the Raspberry Pi GPIO pins through /dev/gpiomem.
type RPIODriver struct {
	openOnce sync.Once
	openErr  error
	mu       sync.Mutex
	sessions int
	busMutex sync.Mutex
}

func NewRPIODriver() *RPIODriver {
	return &RPIODriver{}
}

func (d *RPIODriver) open() error {
	d.openOnce.Do(func() {
		slog.Info("Initialise GPIO...")
		if err := rpio.Open(); err != nil {
			d.openErr = fmt.Errorf("failed to open rpio: %w", err)
		}
	})
	return d.openErr
}

// Create opens the GPIO memory on first use and returns a session for the
// sensor on pin.
func (d *RPIODriver) Create(pin int, model Model) (Session, error) {
	if err := validatePin(pin); err != nil {
		return nil, err
	}
	if model != DHT11 && model != DHT22 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownModel, int(model))
	}
	if err := d.open(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.sessions++
	d.mu.Unlock()

	p := rpio.Pin(pin)
	p.Output()
	p.High()

	bus := &dhtBus{pin: p, model: model, lock: &d.busMutex}
	release := func() error {
		p.Input()
		return d.release()
	}
	return newDHTSession(model, bus.transact, release), nil
}

// release closes the GPIO memory mapping when the last session goes away.
func (d *RPIODriver) release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions--
	if d.sessions > 0 || d.openErr != nil {
		return nil
	}
	d.openOnce = sync.Once{}
	if err := rpio.Close(); err != nil {
		return fmt.Errorf("failed to close rpio: %w", err)
	}
	return nil
}

// dhtBus performs one transaction on a single pin.
type dhtBus struct {
	pin   rpio.Pin
	model Model
	lock  *sync.Mutex
}

func (b *dhtBus) transact() (frame, error) {
	var f frame

	// Busy waiting below is timing critical; keep other sensors off the CPU.
	b.lock.Lock()
	defer b.lock.Unlock()

	start := startSignalDHT22
	if b.model == DHT11 {
		start = startSignalDHT11
	}
	b.pin.Output()
	b.pin.Low()
	time.Sleep(start)
	b.pin.High()
	b.pin.Input()
	b.pin.PullUp()

	// Sensor acknowledges with 80us low followed by 80us high.
	if _, err := b.wait(rpio.High); err != nil {
		return f, fmt.Errorf("no response: %w", err)
	}
	if _, err := b.wait(rpio.Low); err != nil {
		return f, fmt.Errorf("no acknowledge: %w", err)
	}
	if _, err := b.wait(rpio.High); err != nil {
		return f, fmt.Errorf("no acknowledge: %w", err)
	}

	// Each bit is ~50us low followed by a high pulse of ~27us (0) or ~70us (1).
	for i := 0; i < 40; i++ {
		low, err := b.wait(rpio.Low)
		if err != nil {
			return f, fmt.Errorf("bit %d: %w", i, err)
		}
		high, err := b.wait(rpio.High)
		if err != nil {
			return f, fmt.Errorf("bit %d: %w", i, err)
		}
		f[i/8] <<= 1
		if high > low {
			f[i/8] |= 1
		}
	}
	return f, nil
}

// wait spins while the pin reads level and returns how long that took.
func (b *dhtBus) wait(level rpio.State) (time.Duration, error) {
	begin := time.Now()
	for b.pin.Read() == level {
		if time.Since(begin) > pulseTimeout {
			return 0, ErrTimeout
		}
	}
	return time.Since(begin), nil
}
