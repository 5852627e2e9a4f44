// Package event defines the domain events and commands carried by the bus,
// plus the aggregated device state derived by folding events.
package event

// CommandKind identifies an outbound user intent.
type CommandKind int

const (
	CmdScan CommandKind = iota
	CmdCalibrate
	CmdStatus
	CmdConnect
	CmdReconnect
	CmdDisconnect
)

func (k CommandKind) String() string {
	switch k {
	case CmdScan:
		return "scan"
	case CmdCalibrate:
		return "calibrate"
	case CmdStatus:
		return "status"
	case CmdConnect:
		return "connect"
	case CmdReconnect:
		return "reconnect"
	case CmdDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// Command is an outbound intent produced by a consumer (console, network
// client). Address is only meaningful for CmdConnect.
type Command struct {
	Kind    CommandKind
	Address string
}

// Triple is one color-space coordinate set.
type Triple [3]float32

// ScanResult is a decoded color measurement. Index is unique and increasing
// within one session and resets when a new session starts.
type ScanResult struct {
	Index int
	Lab   Triple
	Luv   Triple
	Lch   Triple
	YxY   Triple
	RGB   [3]uint8
}

// Event is the closed set of bus messages. Events are immutable values;
// publishing never blocks on consumer processing.
type Event interface {
	isEvent()
}

// Exit requests process-wide shutdown. It is the only cancellation primitive.
type Exit struct{}

// Error surfaces a failure to consumers without terminating anything.
type Error struct {
	Message string
}

// Scan carries one decoded measurement.
type Scan struct {
	Result ScanResult
}

// Connecting is published when a connection attempt starts. Address and Name
// are empty until the device has been located.
type Connecting struct {
	Address string
	Name    string
}

// Connected is published once the link is established.
type Connected struct {
	Address string
	Name    string
}

// Disconnected is published exactly once per session termination that reaches
// the device (stream end, disconnect command, exit cleanup).
type Disconnected struct{}

// PowerLevel carries the battery level response.
type PowerLevel struct {
	Level int16
}

// DeviceInfo carries the raw device info words, uninterpreted.
type DeviceInfo struct {
	Values [15]int16
}

// Calibrated is published when the device confirms a calibration.
type Calibrated struct{}

// CommandEvent wraps a Command for delivery over the bus.
type CommandEvent struct {
	Command Command
}

// CommandQueue replays commands queued while no session was active.
type CommandQueue struct {
	Commands []Command
}

// Lagged tells a slow subscriber how many events it missed. It is injected
// by the bus, never published directly.
type Lagged struct {
	Missed uint64
}

func (Exit) isEvent()         {}
func (Error) isEvent()        {}
func (Scan) isEvent()         {}
func (Connecting) isEvent()   {}
func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}
func (PowerLevel) isEvent()   {}
func (DeviceInfo) isEvent()   {}
func (Calibrated) isEvent()   {}
func (CommandEvent) isEvent() {}
func (CommandQueue) isEvent() {}
func (Lagged) isEvent()       {}
