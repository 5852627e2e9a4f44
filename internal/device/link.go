package device

import "context"

// Central locates peripherals. The production implementation sits on the
// BlueZ D-Bus API; tests substitute fakes.
type Central interface {
	// Find returns the first matching peripheral. With a non-empty address
	// only that device matches; otherwise the first device advertising the
	// colorimeter services is chosen. Blocks until found or ctx expires.
	Find(ctx context.Context, address string) (Peripheral, error)
}

// Peripheral is one connectable colorimeter.
type Peripheral interface {
	Address() string
	Name() string

	// Connect establishes the link and waits for service resolution.
	Connect(ctx context.Context) error

	// Notifications locates the write and notify characteristics and starts
	// the notification stream. It fails if either characteristic is absent.
	// The returned channel closes when the link drops.
	Notifications(ctx context.Context) (<-chan []byte, error)

	// Write sends one command frame without response.
	Write(frame []byte) error

	// Close stops notifications and disconnects, best-effort.
	Close() error
}
