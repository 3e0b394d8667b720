package sensor

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// frame is the 40 bit payload of one DHT transaction: two bytes humidity,
// two bytes temperature, one byte checksum.
type frame [5]byte

// decodeFrame verifies the checksum and scales the raw values for the model.
func decodeFrame(f frame, model Model) (temp, humidity float64, err error) {
	if f[0]+f[1]+f[2]+f[3] != f[4] {
		return math.NaN(), math.NaN(), fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrChecksum, f[4], f[0]+f[1]+f[2]+f[3])
	}
	switch model {
	case DHT11:
		humidity = float64(f[0]) + float64(f[1])/10
		temp = float64(f[2]) + float64(f[3]&0x7f)/10
		if f[3]&0x80 != 0 {
			temp = -temp
		}
	case DHT22:
		humidity = float64(uint16(f[0])<<8|uint16(f[1])) / 10
		temp = float64(uint16(f[2]&0x7f)<<8|uint16(f[3])) / 10
		if f[2]&0x80 != 0 {
			temp = -temp
		}
	default:
		return math.NaN(), math.NaN(), fmt.Errorf("%w: %d", ErrUnknownModel, int(model))
	}
	return temp, humidity, nil
}

// dhtSession turns raw transactions into temperature and humidity reads.
// One transaction serves both quantities as long as it is younger than the
// model's minimum interval, so a temperature read followed by a humidity
// read costs a single bus exchange.
type dhtSession struct {
	model    Model
	transact func() (frame, error)
	release  func() error
	now      func() time.Time

	mu       sync.Mutex
	closed   bool
	lastRead time.Time
	temp     float64
	humidity float64
	err      error
}

func newDHTSession(model Model, transact func() (frame, error), release func() error) *dhtSession {
	return &dhtSession{
		model:    model,
		transact: transact,
		release:  release,
		now:      time.Now,
		temp:     math.NaN(),
		humidity: math.NaN(),
	}
}

func (s *dhtSession) refresh() {
	now := s.now()
	if !s.lastRead.IsZero() && now.Sub(s.lastRead) < s.model.MinInterval() {
		return
	}
	s.lastRead = now
	f, err := s.transact()
	if err != nil {
		s.temp, s.humidity, s.err = math.NaN(), math.NaN(), err
		return
	}
	s.temp, s.humidity, s.err = decodeFrame(f, s.model)
}

func (s *dhtSession) Temperature() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return math.NaN(), ErrClosed
	}
	s.refresh()
	return s.temp, s.err
}

func (s *dhtSession) Humidity() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return math.NaN(), ErrClosed
	}
	s.refresh()
	return s.humidity, s.err
}

func (s *dhtSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.release != nil {
		return s.release()
	}
	return nil
}
