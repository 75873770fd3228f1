// Package decoder turns raw notification payloads of the pressure and temperature
// characteristics into typed measurements.
package decoder

import (
	"fmt"
	"time"

	"github.com/srg/blestream/internal/device"
)

// Channel identifiers of the supported measurements
const (
	PressureUUID    = "00002a6d-0000-1000-8000-00805f9b34fb"
	TemperatureUUID = "00002a6e-0000-1000-8000-00805f9b34fb"
)

// MaxPayloadWidth is the widest payload that still fits an unsigned 64-bit integer
const MaxPayloadWidth = 8

// Kind classifies a measurement
type Kind int

const (
	Unknown Kind = iota
	Pressure
	Temperature
)

func (k Kind) String() string {
	switch k {
	case Pressure:
		return "pressure"
	case Temperature:
		return "temperature"
	default:
		return "unknown"
	}
}

// Unit returns the display unit of the scaled value
func (k Kind) Unit() string {
	switch k {
	case Pressure:
		return "Pa"
	case Temperature:
		return "°C"
	default:
		return ""
	}
}

// Measurement is one decoded sample. Scaled is meaningless for Unknown.
type Measurement struct {
	Kind          Kind      `json:"kind"`
	ChannelID     string    `json:"channel"`
	Raw           uint64    `json:"raw"`
	Scaled        float64   `json:"value"`
	SourceAddress string    `json:"source,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Known reports whether the measurement may be forwarded downstream
func (m Measurement) Known() bool {
	return m.Kind != Unknown
}

// Stamp returns a copy attributed to a source address at a given time
func (m Measurement) Stamp(address string, at time.Time) Measurement {
	m.SourceAddress = address
	m.Timestamp = at
	return m
}

// DecodeError reports a payload that cannot be interpreted
type DecodeError struct {
	ChannelID string
	Length    int
}

func (e *DecodeError) Error() string {
	if e.Length == 0 {
		return fmt.Sprintf("empty payload on channel %s", e.ChannelID)
	}
	return fmt.Sprintf("payload of %d bytes on channel %s exceeds %d bytes", e.Length, e.ChannelID, MaxPayloadWidth)
}

// scales maps canonical channel ids to their divisors
var scales = map[string]struct {
	kind    Kind
	divisor float64
}{
	PressureUUID:    {kind: Pressure, divisor: 10},
	TemperatureUUID: {kind: Temperature, divisor: 100},
}

// Decode interprets raw as an unsigned little-endian integer and scales it according to the
// channel. Unrecognised channels yield an Unknown measurement and never an error; their
// payload is left uninterpreted.
func Decode(channelID string, raw []byte) (Measurement, error) {
	id := device.NormalizeUUID(channelID)
	scale, ok := scales[id]
	if !ok {
		return Measurement{Kind: Unknown, ChannelID: channelID}, nil
	}

	if len(raw) == 0 || len(raw) > MaxPayloadWidth {
		return Measurement{}, &DecodeError{ChannelID: id, Length: len(raw)}
	}

	m := Measurement{Kind: scale.kind, ChannelID: id, Raw: littleEndian(raw)}
	m.Scaled = float64(m.Raw) / scale.divisor
	return m, nil
}

// littleEndian reads up to eight bytes, least significant first
func littleEndian(raw []byte) uint64 {
	var v uint64
	for i := len(raw) - 1; i >= 0; i-- {
		v = v<<8 | uint64(raw[i])
	}
	return v
}
