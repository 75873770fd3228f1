// Package display renders acquisition events for a terminal or a log pipeline.
//
// The console keeps three views of what it has shown: the latest reading per source and kind
// (for the exit summary), a bounded history of recent events, and a bounded scrollback of the
// rendered text.
package display

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/mcuadros/go-defaults"
	"github.com/smallnest/ringbuffer"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/srg/blestream/internal/decoder"
	"github.com/srg/blestream/internal/events"
	"golang.org/x/term"
)

// Format selects the rendering
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat accepts "text" and "json", case-insensitively
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown output format %q (expected text or json)", s)
	}
}

// Options configures a Console
type Options struct {
	Format     Format `default:"text"`
	Color      bool   `default:"false"`
	Quiet      bool   `default:"false"` // keep rendered text in the views only, see WriteTail
	Scrollback int    `default:"65536"` // bytes of rendered text kept
	History    uint32 `default:"128"`   // events kept
	TimeLayout string `default:"15:04:05.000"`
}

// Console renders events to an io.Writer. All methods are safe for concurrent use.
type Console struct {
	out  io.Writer
	opts Options

	mu         sync.Mutex
	latest     *orderedmap.OrderedMap[string, decoder.Measurement]
	scrollback *ringbuffer.RingBuffer
	history    mpmc.RichOverlappedRingBuffer[events.Event]

	rendered   atomic.Int64
	overwrites atomic.Int64

	pressure, temperature, failure, faint *color.Color
}

// NewConsole creates a Console writing to out
func NewConsole(out io.Writer, opts Options) (*Console, error) {
	defaults.SetDefaults(&opts)
	if _, err := ParseFormat(string(opts.Format)); err != nil {
		return nil, err
	}
	if opts.Scrollback <= 0 || opts.History == 0 {
		return nil, errors.New("scrollback and history sizes must be positive")
	}

	c := &Console{
		out:         out,
		opts:        opts,
		latest:      orderedmap.New[string, decoder.Measurement](),
		scrollback:  ringbuffer.New(opts.Scrollback),
		history:     mpmc.NewOverlappedRingBuffer[events.Event](opts.History),
		pressure:    color.New(color.FgCyan),
		temperature: color.New(color.FgYellow),
		failure:     color.New(color.FgRed, color.Bold),
		faint:       color.New(color.Faint),
	}
	for _, col := range []*color.Color{c.pressure, c.temperature, c.failure, c.faint} {
		if opts.Color {
			col.EnableColor()
		} else {
			col.DisableColor()
		}
	}
	return c, nil
}

// IsTerminal reports whether f is an interactive terminal
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// Render writes one event
func (c *Console) Render(ev events.Event) error {
	var line string
	var err error
	if c.opts.Format == FormatJSON {
		line, err = c.renderJSON(ev)
	} else {
		line = c.renderText(ev)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Kind == events.KindMeasurement && ev.Measurement != nil {
		m := *ev.Measurement
		c.latest.Set(latestKey(m), m)
	}
	if n, err := c.history.EnqueueM(ev); err == nil {
		c.overwrites.Add(int64(n))
	}
	c.appendScrollback(line)
	c.rendered.Add(1)

	if c.opts.Quiet {
		return nil
	}
	_, err = io.WriteString(c.out, line)
	return err
}

// Consume renders events from ch until it is closed or ctx is done
func (c *Console) Consume(ctx context.Context, ch *events.Channel) error {
	for {
		ev, ok := ch.Receive(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := c.Render(ev); err != nil {
			return fmt.Errorf("failed to render event: %w", err)
		}
	}
}

// Rendered returns the number of events written so far
func (c *Console) Rendered() int64 {
	return c.rendered.Load()
}

func latestKey(m decoder.Measurement) string {
	return m.SourceAddress + "/" + m.Kind.String()
}

func precision(k decoder.Kind) int {
	switch k {
	case decoder.Pressure:
		return 1
	case decoder.Temperature:
		return 2
	default:
		return 0
	}
}

func (c *Console) kindColor(k decoder.Kind) *color.Color {
	if k == decoder.Temperature {
		return c.temperature
	}
	return c.pressure
}

func (c *Console) renderText(ev events.Event) string {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	prefix := fmt.Sprintf("%s %-16s", c.faint.Sprint(ts.Format(c.opts.TimeLayout)), ev.Target.String())

	switch ev.Kind {
	case events.KindMeasurement:
		m := ev.Measurement
		value := fmt.Sprintf("%.*f %s", precision(m.Kind), m.Scaled, m.Kind.Unit())
		return fmt.Sprintf("%s %-11s %s\n", prefix, m.Kind, c.kindColor(m.Kind).Sprint(value))
	case events.KindTransition:
		return fmt.Sprintf("%s %-11s %s\n", prefix, "state", c.faint.Sprint(ev.Transition.String()))
	case events.KindError:
		return fmt.Sprintf("%s %-11s %s\n", prefix, "error", c.failure.Sprint(ev.ErrorText()))
	default:
		return fmt.Sprintf("%s %-11s\n", prefix, ev.Kind)
	}
}

type jsonMeasurement struct {
	Kind    string  `json:"kind"`
	Channel string  `json:"channel"`
	Raw     uint64  `json:"raw"`
	Value   float64 `json:"value"`
	Unit    string  `json:"unit"`
	Source  string  `json:"source"`
}

type jsonEvent struct {
	Type        string           `json:"type"`
	Session     string           `json:"session,omitempty"`
	Target      string           `json:"target"`
	Time        time.Time        `json:"time"`
	Measurement *jsonMeasurement `json:"measurement,omitempty"`
	From        string           `json:"from,omitempty"`
	To          string           `json:"to,omitempty"`
	Error       string           `json:"error,omitempty"`
}

func (c *Console) renderJSON(ev events.Event) (string, error) {
	out := jsonEvent{
		Type:    ev.Kind.String(),
		Session: ev.SessionID,
		Target:  ev.Target.String(),
		Time:    ev.Time,
		Error:   ev.ErrorText(),
	}
	if m := ev.Measurement; m != nil {
		out.Measurement = &jsonMeasurement{
			Kind:    m.Kind.String(),
			Channel: m.ChannelID,
			Raw:     m.Raw,
			Value:   m.Scaled,
			Unit:    m.Kind.Unit(),
			Source:  m.SourceAddress,
		}
	}
	if tr := ev.Transition; tr != nil {
		out.From, out.To = tr.From.String(), tr.To.String()
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}
	return string(data) + "\n", nil
}
