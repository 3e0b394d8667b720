// Package tui shows the live sensor readings in the terminal.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/gammazero/deque"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/exp/maps"

	"lautenbacher.net/dhtiot/monitor"
	"lautenbacher.net/dhtiot/util"
)

const (
	maxTrail    = 120
	viewerTitle = " DHT IoT Sensor Viewer "
	colWidth    = 26
)

// Viewer displays the latest diagnostic record of every sensor together
// with statistics over a trail of raw temperature readings.
type Viewer struct {
	app       *tview.Application
	view      *tview.TextView
	intro     *tview.TextView
	trails    map[string]*deque.Deque[float64]
	latest    map[string]monitor.Diagnostic
	names     []string
	state     monitor.State
	mu        sync.Mutex
	ossignal  chan<- os.Signal
	simulated bool
}

type trailStats struct {
	min    float64
	max    float64
	mean   float64
	stdDev float64
	count  int
}

// NewViewer creates a viewer. Keys q and r send os.Interrupt and SIGHUP to
// ossignal.
func NewViewer(ossignal chan<- os.Signal, simulated bool) *Viewer {
	return &Viewer{
		app:       tview.NewApplication(),
		trails:    make(map[string]*deque.Deque[float64]),
		latest:    make(map[string]monitor.Diagnostic),
		ossignal:  ossignal,
		simulated: simulated,
	}
}

// Run shows the viewer until ctx is done or the user quits, feeding it from
// the station's events.
func (v *Viewer) Run(ctx context.Context, diags *util.AtomicMapEvent[monitor.Diagnostic], states *util.AtomicEvent[monitor.State]) error {
	v.setupUI()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v.Update(diags.ConsumeValues())
		v.SetState(states.Value())
		for {
			select {
			case <-ctx.Done():
				v.app.Stop()
				return
			case <-diags.Channel():
				v.Update(diags.ConsumeValues())
			case <-states.Channel():
				v.SetState(states.Value())
			}
		}
	}()

	err := v.app.Run()
	cancel()
	wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to run sensor viewer: %w", err)
	}
	slog.Info("Sensor viewer has stopped")
	return nil
}

// Update records the latest diagnostics and schedules a redraw. It is safe
// for concurrent use.
func (v *Viewer) Update(latest map[string]monitor.Diagnostic) {
	text := v.record(latest)
	v.app.QueueUpdateDraw(func() {
		v.view.SetText(text)
	})
}

// SetState shows the station state in the intro box.
func (v *Viewer) SetState(st monitor.State) {
	v.mu.Lock()
	v.state = st
	text := v.introText()
	v.mu.Unlock()
	v.app.QueueUpdateDraw(func() {
		v.intro.SetText(text)
	})
}

func (v *Viewer) record(latest map[string]monitor.Diagnostic) string {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys := maps.Keys(latest)
	slices.Sort(keys)
	for _, name := range keys {
		d := latest[name]
		q, ok := v.trails[name]
		if !ok {
			q = new(deque.Deque[float64])
			q.Grow(maxTrail)
			v.trails[name] = q
			v.names = append(v.names, name)
		}
		v.latest[name] = d
		if math.IsNaN(d.Temp) {
			continue
		}
		if q.Len() == maxTrail {
			q.PopFront()
		}
		q.PushBack(d.Temp)
	}
	sort.SliceStable(v.names, func(i, j int) bool {
		return v.latest[v.names[i]].Index < v.latest[v.names[j]].Index
	})
	return v.prepareDisplayText()
}

func (v *Viewer) setupUI() {
	v.view = tview.NewTextView()
	v.view.SetDynamicColors(true)
	v.view.SetTextAlign(tview.AlignLeft)
	v.view.SetBackgroundColor(tcell.ColorDarkSlateGray)
	v.view.SetBorder(true).SetTitle(viewerTitle).SetTitleColor(tcell.ColorLightBlue)

	v.intro = tview.NewTextView()
	v.intro.SetBorder(true).SetTitle(" Status ").SetTitleColor(tcell.ColorLightBlue)
	v.intro.SetTextAlign(tview.AlignCenter)
	v.intro.SetDynamicColors(true)
	v.intro.SetBackgroundColor(tcell.ColorDarkSlateGray)
	v.intro.SetText(v.introText())

	layout := tview.NewFlex().SetDirection(tview.FlexRow)
	layout.AddItem(v.intro, 4, 1, false)
	layout.AddItem(v.view, 9, 1, true)

	v.app.SetRoot(layout, true).SetFocus(v.view)
	v.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'q', 'Q':
			v.app.Stop()
			v.ossignal <- os.Interrupt
		case 'r', 'R':
			v.app.Stop()
			v.ossignal <- syscall.SIGHUP
		}
		return event
	})
}

func (v *Viewer) introText() string {
	var b strings.Builder
	if v.simulated {
		b.WriteString("[#ff0000]Caution:[-] Displaying simulated sensor values. ")
	} else {
		b.WriteString("Displaying real sensor values. ")
	}
	fmt.Fprintf(&b, "Station is [yellow]%s[-].\n", v.state)
	b.WriteString("Hit [#ff0000]q[-] to exit, [#ff0000]r[-] to reload config file and restart")
	return b.String()
}

// prepareDisplayText must be called with the mutex held.
func (v *Viewer) prepareDisplayText() string {
	rows := []struct {
		label string
		cell  func(d monitor.Diagnostic, s trailStats) string
	}{
		{"Name (pin)", func(d monitor.Diagnostic, _ trailStats) string {
			return fmt.Sprintf("[blue]%s[-] (%d)", d.Name, d.Pin)
		}},
		{"Temperature", func(d monitor.Diagnostic, _ trailStats) string { return formatValue(d.Temp, "°C") }},
		{"  average", func(d monitor.Diagnostic, _ trailStats) string { return formatValue(d.TempAvg, "°C") }},
		{"Humidity", func(d monitor.Diagnostic, _ trailStats) string { return formatValue(d.Humidity, "%") }},
		{"  average", func(d monitor.Diagnostic, _ trailStats) string { return formatValue(d.HumidityAvg, "%") }},
		{"Trail [min|mean|max]", func(_ monitor.Diagnostic, s trailStats) string {
			if s.count == 0 {
				return "-"
			}
			return fmt.Sprintf("[%.1f|%.1f|%.1f]", s.min, s.mean, s.max)
		}},
		{"Trail std dev", func(_ monitor.Diagnostic, s trailStats) string {
			return fmt.Sprintf("%.2f (n=%d)", s.stdDev, s.count)
		}},
	}

	stats := make([]trailStats, len(v.names))
	for i, name := range v.names {
		q := v.trails[name]
		data := make([]float64, q.Len())
		for j := range q.Len() {
			data[j] = q.At(j)
		}
		stats[i] = calculateStats(data)
	}

	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		var b strings.Builder
		fmt.Fprintf(&b, "[yellow]%-*s[white]", 22, " "+row.label)
		for i, name := range v.names {
			fmt.Fprintf(&b, "%-*s", colWidth, row.cell(v.latest[name], stats[i]))
		}
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\n")
}

func formatValue(x float64, unit string) string {
	if math.IsNaN(x) {
		return "[red]glitch[-]"
	}
	return fmt.Sprintf("%5.1f %s", x, unit)
}

func calculateStats(data []float64) trailStats {
	if len(data) == 0 {
		return trailStats{}
	}
	var sum float64
	lo, hi := data[0], data[0]
	for _, x := range data {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
		sum += x
	}
	mean := sum / float64(len(data))

	var sumOfSquares float64
	for _, x := range data {
		sumOfSquares += (x - mean) * (x - mean)
	}
	return trailStats{
		min:    lo,
		max:    hi,
		mean:   mean,
		stdDev: math.Sqrt(sumOfSquares / float64(len(data))),
		count:  len(data),
	}
}
