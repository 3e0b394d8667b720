// Package sensor talks to DHT11/DHT22 temperature and humidity sensors,
// either on real GPIO pins or simulated.
package sensor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Model identifies the sensor family on a pin.
type Model int

const (
	DHT11 Model = iota + 1
	DHT22
)

// MaxPin is the highest BCM GPIO number usable for a sensor.
const MaxPin = 27

var (
	ErrInvalidPin   = errors.New("invalid GPIO pin")
	ErrUnknownModel = errors.New("unknown sensor model")
	ErrChecksum     = errors.New("checksum mismatch")
	ErrTimeout      = errors.New("timeout waiting for sensor")
	ErrClosed       = errors.New("sensor session closed")
)

// Session is an open handle to one physical sensor. A read may return NaN
// for a transient failure; an error means nothing could be read at all.
type Session interface {
	Temperature() (float64, error)
	Humidity() (float64, error)
	Close() error
}

// Driver creates sessions for sensors attached to GPIO pins.
type Driver interface {
	Create(pin int, model Model) (Session, error)
}

// ParseModel maps a config value such as "DHT22" to a Model.
func ParseModel(s string) (Model, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DHT11":
		return DHT11, nil
	case "DHT22", "AM2302":
		return DHT22, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownModel, s)
	}
}

func (m Model) String() string {
	switch m {
	case DHT11:
		return "DHT11"
	case DHT22:
		return "DHT22"
	default:
		return fmt.Sprintf("Model(%d)", int(m))
	}
}

// WarmUp is the delay between creating a session and the first valid read.
func (m Model) WarmUp() time.Duration {
	if m == DHT11 {
		return 1000 * time.Millisecond
	}
	return 2100 * time.Millisecond
}

// MinInterval is the shortest period at which the sensor produces a new
// measurement. Reads within this period are answered from the last frame.
func (m Model) MinInterval() time.Duration {
	if m == DHT11 {
		return 1 * time.Second
	}
	return 2 * time.Second
}

func validatePin(pin int) error {
	if pin < 0 || pin > MaxPin {
		return fmt.Errorf("%w: %d (must be between 0 and %d)", ErrInvalidPin, pin, MaxPin)
	}
	return nil
}
