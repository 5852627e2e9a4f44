// Package protocol implements the colorimeter's binary frame codec. Outbound
// commands are fixed 10-byte (or shorter) frames; inbound notifications are
// variable-length frames starting with a sentinel byte.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Sentinel is the first byte of every valid frame in either direction.
const Sentinel = 0xAB

// Pre-built command frames. These are protocol constants, not computed.
var (
	// ScanCommand triggers a color scan (result arrives as an AB44 frame).
	ScanCommand = mustFrame("AB440000000036001864")
	// CalibrateCommand triggers a calibration.
	CalibrateCommand = mustFrame("AB202E000200904F")
	// BatteryCommand requests the battery level.
	BatteryCommand = mustFrame("AB200B0002009B43")
	// InfoCommand requests device info.
	InfoCommand = mustFrame("AB400000000014004504")
)

var (
	ErrShortFrame  = errors.New("frame too short")
	ErrBadSentinel = errors.New("bad frame sentinel")
	ErrUnknownKind = errors.New("unknown frame kind")
)

// Message is the closed set of decoded notifications.
type Message interface {
	isMessage()
}

// Scan is a raw color measurement. Values are fixed-point with scale 100 on
// the wire; they round-trip to two-decimal precision.
type Scan struct {
	Lab [3]float32
	Luv [3]float32
	Lch [3]float32
	YxY [3]float32
	RGB [3]uint8
}

// Calibrated confirms a calibration. No payload.
type Calibrated struct{}

// PowerLevel is the battery level response.
type PowerLevel struct {
	Level int16
}

// DeviceInfo is the raw device info response.
type DeviceInfo struct {
	Values [15]int16
}

func (Scan) isMessage()       {}
func (Calibrated) isMessage() {}
func (PowerLevel) isMessage() {}
func (DeviceInfo) isMessage() {}

const (
	scanFrameLen  = 39 // 8 header + 12 int16 + 4 unused + 3 RGB
	powerFrameLen = 8  // level at offset 6
	infoFrameLen  = 40 // 15 int16 at offsets 10..38
)

// Decode parses one notification frame. Unrecognized or truncated frames
// yield an error; callers log and drop them, they are never fatal.
func Decode(frame []byte) (Message, error) {
	if len(frame) < 3 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	if frame[0] != Sentinel {
		return nil, fmt.Errorf("%w: 0x%02X", ErrBadSentinel, frame[0])
	}
	kind, sub := frame[1], frame[2]
	switch {
	case kind == 0x44:
		return decodeScan(frame)
	case kind == 0x20 && sub == 0x2E:
		return Calibrated{}, nil
	case kind == 0x20 && sub == 0x0B:
		if len(frame) < powerFrameLen {
			return nil, fmt.Errorf("%w: power frame %d bytes", ErrShortFrame, len(frame))
		}
		return PowerLevel{Level: readInt16(frame, 6)}, nil
	case kind == 0x40 && sub == 0x00:
		if len(frame) < infoFrameLen {
			return nil, fmt.Errorf("%w: info frame %d bytes", ErrShortFrame, len(frame))
		}
		var info DeviceInfo
		for i := range info.Values {
			info.Values[i] = readInt16(frame, 10+2*i)
		}
		return info, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02X 0x%02X", ErrUnknownKind, kind, sub)
	}
}

func decodeScan(frame []byte) (Message, error) {
	if len(frame) < scanFrameLen {
		return nil, fmt.Errorf("%w: scan frame %d bytes", ErrShortFrame, len(frame))
	}
	var s Scan
	off := 8
	for _, triple := range []*[3]float32{&s.Lab, &s.Luv, &s.Lch, &s.YxY} {
		for i := range triple {
			triple[i] = float32(readInt16(frame, off)) / 100.0
			off += 2
		}
	}
	off += 4 // unused CMYK-ish bytes
	copy(s.RGB[:], frame[off:off+3])
	return s, nil
}

func readInt16(b []byte, off int) int16 {
	return int16(binary.LittleEndian.Uint16(b[off : off+2]))
}

func mustFrame(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
