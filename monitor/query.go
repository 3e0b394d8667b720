package monitor

import (
	"context"
	"encoding/json"
	"math"

	"github.com/shopspring/decimal"

	"lautenbacher.net/dhtiot/history"
)

const (
	ReadMethod    = "Dht.Read"
	ReadAllMethod = "Dht.ReadAll"
)

// Reading is the answer to Dht.Read. It is written with one fixed decimal:
//
//	{"temp":22.0,"humidity":45.3}
type Reading struct {
	Temp     float64
	Humidity float64
}

func (r Reading) MarshalJSON() ([]byte, error) {
	buf := []byte(`{"temp":`)
	buf = appendFixed1(buf, r.Temp)
	buf = append(buf, `,"humidity":`...)
	buf = appendFixed1(buf, r.Humidity)
	return append(buf, '}'), nil
}

func (r *Reading) UnmarshalJSON(data []byte) error {
	var raw struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Temp, r.Humidity = math.NaN(), math.NaN()
	if raw.Temp != nil {
		r.Temp = *raw.Temp
	}
	if raw.Humidity != nil {
		r.Humidity = *raw.Humidity
	}
	return nil
}

// appendFixed1 writes null for values JSON cannot carry.
func appendFixed1(buf []byte, v float64) []byte {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return append(buf, "null"...)
	}
	return append(buf, decimal.NewFromFloat(v).StringFixed(1)...)
}

// SensorReading is one entry of the Dht.ReadAll answer.
type SensorReading struct {
	Name    string  `json:"name"`
	Pin     int     `json:"pin"`
	Reading Reading `json:"reading"`
}

// HandleQuery returns the averages of the first sensor. It only reads the
// histories and never touches the sensor.
func (s *Station) HandleQuery() (Reading, error) {
	if s.State() != StateRunning {
		return Reading{}, ErrNotRunning
	}
	return readingOf(s.channels[0]), nil
}

// HandleQueryAll returns the averages of every sensor in configuration
// order.
func (s *Station) HandleQueryAll() ([]SensorReading, error) {
	if s.State() != StateRunning {
		return nil, ErrNotRunning
	}
	res := make([]SensorReading, 0, len(s.channels))
	for _, ch := range s.channels {
		res = append(res, SensorReading{Name: ch.Name, Pin: ch.Pin, Reading: readingOf(ch)})
	}
	return res, nil
}

func readingOf(ch *Channel) Reading {
	return Reading{
		Temp:     history.Round1(ch.Temp.Average()),
		Humidity: history.Round1(ch.Humidity.Average()),
	}
}

func (s *Station) handleRead(context.Context, json.RawMessage) (any, error) {
	return s.HandleQuery()
}

func (s *Station) handleReadAll(context.Context, json.RawMessage) (any, error) {
	return s.HandleQueryAll()
}
