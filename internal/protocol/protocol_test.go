package protocol

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildScanFrame assembles a scan notification from fixed-point triple
// values (scale 100) and RGB bytes.
func buildScanFrame(t *testing.T, triples [12]int16, rgb [3]uint8) []byte {
	t.Helper()
	frame := make([]byte, 0, scanFrameLen)
	frame = append(frame, ScanCommand[:8]...) // echoed command header
	for _, v := range triples {
		frame = binary.LittleEndian.AppendUint16(frame, uint16(v))
	}
	frame = append(frame, 0xAA, 0xBB, 0xCC, 0xDD) // unused
	frame = append(frame, rgb[:]...)
	require.Len(t, frame, scanFrameLen)
	return frame
}

func TestDecodeScan(t *testing.T) {
	frame := buildScanFrame(t, [12]int16{
		100, 100, -56, // Lab
		56, 100, 200, // Luv
		50, 100, 200, // Lch
		1, -1, 12345, // yxY
	}, [3]uint8{16, 128, 64})

	msg, err := Decode(frame)
	require.NoError(t, err)
	scan, ok := msg.(Scan)
	require.True(t, ok, "expected a Scan, got %T", msg)

	assert.Equal(t, [3]float32{1.00, 1.00, -0.56}, scan.Lab)
	assert.Equal(t, [3]float32{0.56, 1.00, 2.00}, scan.Luv)
	assert.Equal(t, [3]float32{0.50, 1.00, 2.00}, scan.Lch)
	assert.Equal(t, [3]float32{0.01, -0.01, 123.45}, scan.YxY)
	assert.Equal(t, [3]uint8{16, 128, 64}, scan.RGB)
}

// Decoded triples round-trip through the wire's fixed-point representation.
func TestDecodeScanRoundTrip(t *testing.T) {
	values := [12]int16{-32768, 32767, 0, 1, -1, 100, -100, 5000, -5000, 321, -321, 9999}
	frame := buildScanFrame(t, values, [3]uint8{0, 0, 0})

	msg, err := Decode(frame)
	require.NoError(t, err)
	scan := msg.(Scan)

	decoded := append(append(append(
		scan.Lab[:], scan.Luv[:]...), scan.Lch[:]...), scan.YxY[:]...)
	for i, f := range decoded {
		reencoded := int16(math.Round(float64(f) * 100))
		assert.Equal(t, values[i], reencoded, "value %d did not round-trip", i)
	}
}

func TestDecodeCalibrated(t *testing.T) {
	msg, err := Decode([]byte{0xAB, 0x20, 0x2E, 0x00, 0x02, 0x00, 0x00, 0x00, 0x2D, 0xF4})
	require.NoError(t, err)
	assert.IsType(t, Calibrated{}, msg)
}

func TestDecodePowerLevel(t *testing.T) {
	frame := []byte{0xAB, 0x20, 0x0B, 0x00, 0x02, 0x00, 0x54, 0x00}
	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, PowerLevel{Level: 84}, msg)

	// Negative levels decode as signed values.
	frame[6], frame[7] = 0xFF, 0xFF
	msg, err = Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, PowerLevel{Level: -1}, msg)
}

func TestDecodeDeviceInfo(t *testing.T) {
	frame := make([]byte, infoFrameLen)
	frame[0], frame[1], frame[2] = 0xAB, 0x40, 0x00
	for i := 0; i < 15; i++ {
		binary.LittleEndian.PutUint16(frame[10+2*i:], uint16(int16(i-7)))
	}

	msg, err := Decode(frame)
	require.NoError(t, err)
	info, ok := msg.(DeviceInfo)
	require.True(t, ok)
	for i, v := range info.Values {
		assert.Equal(t, int16(i-7), v)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"empty", nil, ErrShortFrame},
		{"two bytes", []byte{0xAB, 0x44}, ErrShortFrame},
		{"bad sentinel", []byte{0x00, 0x44, 0x00}, ErrBadSentinel},
		{"unknown kind", []byte{0xAB, 0x99, 0x00}, ErrUnknownKind},
		{"truncated scan", []byte{0xAB, 0x44, 0x00, 0x00}, ErrShortFrame},
		{"truncated power", []byte{0xAB, 0x20, 0x0B, 0x00}, ErrShortFrame},
		{"truncated info", []byte{0xAB, 0x40, 0x00, 0x00}, ErrShortFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCommandFrames(t *testing.T) {
	// Protocol constants, verbatim from the device vendor's app.
	assert.Equal(t, []byte{0xAB, 0x44, 0x00, 0x00, 0x00, 0x00, 0x36, 0x00, 0x18, 0x64}, ScanCommand)
	assert.Equal(t, []byte{0xAB, 0x20, 0x2E, 0x00, 0x02, 0x00, 0x90, 0x4F}, CalibrateCommand)
	assert.Equal(t, []byte{0xAB, 0x20, 0x0B, 0x00, 0x02, 0x00, 0x9B, 0x43}, BatteryCommand)
	assert.Equal(t, []byte{0xAB, 0x40, 0x00, 0x00, 0x00, 0x00, 0x14, 0x00, 0x45, 0x04}, InfoCommand)
	for _, cmd := range [][]byte{ScanCommand, CalibrateCommand, BatteryCommand, InfoCommand} {
		assert.EqualValues(t, Sentinel, cmd[0])
	}
}
