package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// Diagnostic is emitted for every sensor on every tick.
type Diagnostic struct {
	Index       int
	Name        string
	Pin         int
	Temp        float64
	TempAvg     float64
	Humidity    float64
	HumidityAvg float64
	Time        time.Time
	Daylight    bool
}

// Tick samples every channel once. It never panics and never fails: read
// errors and glitches are logged and the affected history is left alone.
func (s *Station) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Sampler tick panicked", "panic", r)
		}
	}()
	for i, ch := range s.channels {
		if ctx.Err() != nil {
			return
		}
		d, err := s.sampleChannel(i, ch)
		if err != nil {
			slog.Warn("Sensor read failed", "sensor", ch.Name, "error", err)
		}
		slog.Info("Sensor sampled",
			"sensor", i,
			"name", ch.Name,
			"temp", d.Temp, "tempAvg", d.TempAvg,
			"humidity", d.Humidity, "humidityAvg", d.HumidityAvg,
			"daylight", d.Daylight)
		s.diagnostics.Send(ch.Name, d)
	}
}

func (s *Station) sampleChannel(index int, ch *Channel) (Diagnostic, error) {
	temp, tempErr := safeRead("temperature", ch.session.Temperature)
	humidity, humErr := safeRead("humidity", ch.session.Humidity)

	if tempErr == nil && !ch.Temp.Update(temp) {
		slog.Info("Ignoring invalid temperature sample", "sensor", ch.Name)
	}
	if humErr == nil && !ch.Humidity.Update(humidity) {
		slog.Info("Ignoring invalid humidity sample", "sensor", ch.Name)
	}

	now := s.now()
	return Diagnostic{
		Index:       index,
		Name:        ch.Name,
		Pin:         ch.Pin,
		Temp:        temp,
		TempAvg:     ch.Temp.Average(),
		Humidity:    humidity,
		HumidityAvg: ch.Humidity.Average(),
		Time:        now,
		Daylight:    s.daylight(now),
	}, errors.Join(tempErr, humErr)
}

// safeRead turns an error or a panic of the sensor into NaN and an error.
func safeRead(what string, read func() (float64, error)) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = math.NaN(), fmt.Errorf("%s read panicked: %v", what, r)
		}
	}()
	v, err = read()
	if err != nil {
		return math.NaN(), fmt.Errorf("failed to read %s: %w", what, err)
	}
	return v, nil
}

func (s *Station) daylight(t time.Time) bool {
	loc := s.cfg.Location
	if !loc.Enabled {
		return false
	}
	utc := t.UTC()
	rise, set := sunrise.SunriseSunset(loc.Latitude, loc.Longitude, utc.Year(), utc.Month(), utc.Day())
	if rise.IsZero() || set.IsZero() {
		return false
	}
	return t.After(rise) && t.Before(set)
}
