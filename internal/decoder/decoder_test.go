package decoder

import (
	"encoding/binary"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePressure(t *testing.T) {
	m, err := Decode(PressureUUID, []byte{100, 0})
	require.NoError(t, err)

	assert.Equal(t, Pressure, m.Kind)
	assert.Equal(t, uint64(100), m.Raw)
	assert.InDelta(t, 10.0, m.Scaled, 1e-9)
	assert.Equal(t, PressureUUID, m.ChannelID)
}

func TestDecodeTemperature(t *testing.T) {
	// 2345 = 0x0929
	m, err := Decode(TemperatureUUID, []byte{0x29, 0x09})
	require.NoError(t, err)

	assert.Equal(t, Temperature, m.Kind)
	assert.Equal(t, uint64(2345), m.Raw)
	assert.InDelta(t, 23.45, m.Scaled, 1e-9)
}

func TestDecodeAcceptsAnyUUIDSpelling(t *testing.T) {
	for _, id := range []string{"2a6d", "0x2A6D", "00002A6D-0000-1000-8000-00805F9B34FB", "00002a6d00001000800000805f9b34fb"} {
		m, err := Decode(id, []byte{1})
		require.NoError(t, err, id)
		assert.Equal(t, Pressure, m.Kind, id)
		assert.Equal(t, PressureUUID, m.ChannelID, "channel id MUST be canonical")
	}
}

func TestDecodePressureAllWidths(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for width := 1; width <= MaxPayloadWidth; width++ {
		for i := 0; i < 50; i++ {
			raw := make([]byte, width)
			rng.Read(raw)

			var padded [8]byte
			copy(padded[:], raw)
			expected := binary.LittleEndian.Uint64(padded[:])

			m, err := Decode(PressureUUID, raw)
			require.NoError(t, err)
			assert.Equal(t, expected, m.Raw)
			assert.Equal(t, float64(expected)/10, m.Scaled, "width %d", width)
		}
	}
}

func TestDecodeUnknownChannelNeverFails(t *testing.T) {
	payloads := [][]byte{nil, {}, {1}, {1, 2, 3, 4, 5, 6, 7, 8, 9, 10}}
	for _, id := range []string{"00002a19-0000-1000-8000-00805f9b34fb", "2a37", "garbage", ""} {
		for _, raw := range payloads {
			m, err := Decode(id, raw)
			assert.NoError(t, err)
			assert.Equal(t, Unknown, m.Kind)
			assert.False(t, m.Known())
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Run("empty payload", func(t *testing.T) {
		_, err := Decode(PressureUUID, nil)
		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr)
		assert.Equal(t, 0, decErr.Length)
		assert.Contains(t, err.Error(), "empty payload")
	})

	t.Run("payload wider than eight bytes", func(t *testing.T) {
		_, err := Decode(TemperatureUUID, make([]byte, 9))
		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr)
		assert.Equal(t, 9, decErr.Length)
		assert.Contains(t, err.Error(), "exceeds 8 bytes")
	})
}

func TestMeasurementStamp(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m, err := Decode(PressureUUID, []byte{100})
	require.NoError(t, err)

	stamped := m.Stamp("AA:BB", at)
	assert.Equal(t, "AA:BB", stamped.SourceAddress)
	assert.Equal(t, at, stamped.Timestamp)
	assert.Empty(t, m.SourceAddress, "Stamp MUST NOT mutate the receiver")
}

func TestKindStrings(t *testing.T) {
	assert.Equal(t, "pressure", Pressure.String())
	assert.Equal(t, "temperature", Temperature.String())
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, "Pa", Pressure.Unit())
	assert.Equal(t, "°C", Temperature.Unit())
}
