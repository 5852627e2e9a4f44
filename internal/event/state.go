package event

import "time"

// State is the aggregated device view derived by folding bus events in
// arrival order. Each consumer owns its own copy; it is never shared.
type State struct {
	Connected     bool
	Connecting    bool
	DeviceAddress string
	DeviceName    string
	PowerLevel    *int16
	DeviceInfoRaw *[15]int16
	CalibratedAt  *time.Time
}

// Apply folds one event into the state.
func (s *State) Apply(ev Event) {
	switch ev := ev.(type) {
	case Connecting:
		s.Connecting = true
		s.Connected = false
		s.DeviceAddress = ev.Address
		s.DeviceName = ev.Name
	case Connected:
		s.Connecting = false
		s.Connected = true
		s.DeviceAddress = ev.Address
		s.DeviceName = ev.Name
	case Disconnected:
		s.Connected = false
		s.Connecting = false
	case PowerLevel:
		level := ev.Level
		s.PowerLevel = &level
	case DeviceInfo:
		values := ev.Values
		s.DeviceInfoRaw = &values
	case Calibrated:
		now := time.Now()
		s.CalibratedAt = &now
	}
}
