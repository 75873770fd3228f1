package display

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/smallnest/ringbuffer"
	"github.com/srg/blestream/internal/decoder"
	"github.com/srg/blestream/internal/events"
)

// appendScrollback stores line, evicting whole lines from the front when full.
// Callers hold c.mu.
func (c *Console) appendScrollback(line string) {
	data := []byte(line)
	capacity := c.opts.Scrollback
	if len(data) > capacity {
		data = data[len(data)-capacity:]
	}
	for c.scrollback.Free() < len(data) {
		if !c.evictLine() {
			break
		}
	}
	if _, err := c.scrollback.Write(data); err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		c.scrollback.Reset()
		_, _ = c.scrollback.Write(data)
	}
}

// evictLine drops bytes up to and including the oldest newline
func (c *Console) evictLine() bool {
	for {
		b, err := c.scrollback.ReadByte()
		if err != nil {
			return false
		}
		if b == '\n' {
			return true
		}
	}
}

// Scrollback returns the retained rendered text, oldest first
func (c *Console) Scrollback() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := make([]byte, c.scrollback.Length())
	n, err := c.scrollback.TryRead(buf)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return ""
	}
	buf = buf[:n]
	_, _ = c.scrollback.Write(buf)
	return string(buf)
}

// Recent returns the retained events, oldest first
func (c *Console) Recent() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []events.Event
	for !c.history.IsEmpty() {
		ev, err := c.history.Dequeue()
		if err != nil {
			break
		}
		result = append(result, ev)
	}
	for _, ev := range result {
		_, _ = c.history.EnqueueM(ev)
	}
	return result
}

// Overwritten returns how many events fell out of the history
func (c *Console) Overwritten() int64 {
	return c.overwrites.Load()
}

// Tail returns the last n rendered lines, oldest first
func (c *Console) Tail(n int) []string {
	if n <= 0 {
		return nil
	}
	lines := strings.SplitAfter(c.Scrollback(), "\n")
	if last := len(lines) - 1; last >= 0 && lines[last] == "" {
		lines = lines[:last]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// WriteTail replays the last n rendered lines
func (c *Console) WriteTail(w io.Writer, n int) error {
	_, err := io.WriteString(w, strings.Join(c.Tail(n), ""))
	return err
}

// WriteIncidents lists the last limit errors still held in the history. Nothing is written
// when there are none.
func (c *Console) WriteIncidents(w io.Writer, limit int) error {
	var failures []events.Event
	for _, ev := range c.Recent() {
		if ev.Kind == events.KindError {
			failures = append(failures, ev)
		}
	}
	if len(failures) == 0 || limit <= 0 {
		return nil
	}
	if len(failures) > limit {
		failures = failures[len(failures)-limit:]
	}

	var b strings.Builder
	b.WriteString("Errors:\n")
	for _, ev := range failures {
		fmt.Fprintf(&b, "  %s %-16s %s\n", ev.Time.Format(c.opts.TimeLayout), ev.Target.String(), c.failure.Sprint(ev.ErrorText()))
	}
	if lost := c.Overwritten(); lost > 0 {
		fmt.Fprintf(&b, "  (%d older events no longer retained)\n", lost)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Latest returns the most recent measurement per source and kind, in first-seen order
func (c *Console) Latest() []decoder.Measurement {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]decoder.Measurement, 0, c.latest.Len())
	for pair := c.latest.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// WriteSummary prints the latest readings table
func (c *Console) WriteSummary(w io.Writer) error {
	latest := c.Latest()
	if len(latest) == 0 {
		_, err := fmt.Fprintln(w, "No readings received.")
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-11s %12s  %s\n", "SOURCE", "KIND", "VALUE", "AT")
	for _, m := range latest {
		value := fmt.Sprintf("%.*f %s", precision(m.Kind), m.Scaled, m.Kind.Unit())
		fmt.Fprintf(&b, "%-20s %-11s %12s  %s\n", m.SourceAddress, m.Kind, value, m.Timestamp.Format(c.opts.TimeLayout))
	}
	_, err := io.WriteString(w, b.String())
	return err
}
