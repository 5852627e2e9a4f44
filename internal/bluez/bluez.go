// Package bluez implements the device.Central and device.Peripheral
// interfaces on top of the BlueZ D-Bus API.
package bluez

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/nlbx/chromactl/internal/device"
)

const (
	busName      = "org.bluez"
	adapterIface = "org.bluez.Adapter1"
	deviceIface  = "org.bluez.Device1"
	charIface    = "org.bluez.GattCharacteristic1"
	propsIface   = "org.freedesktop.DBus.Properties"
	omIface      = "org.freedesktop.DBus.ObjectManager"

	propsChangedSignal    = propsIface + ".PropertiesChanged"
	interfacesAddedSignal = omIface + ".InterfacesAdded"
)

// managedObjects is the ObjectManager.GetManagedObjects result shape:
// object path -> interface name -> property name -> value.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Central wraps a system D-Bus connection for BlueZ operations.
type Central struct {
	conn *dbus.Conn
	log  zerolog.Logger
}

// New connects to the system bus and verifies BlueZ is present.
func New(log zerolog.Logger) (*Central, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	// Quick check that BlueZ is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("org.bluez not found on system bus — is bluetooth.service running?")
	}
	return &Central{conn: conn, log: log}, nil
}

// Close releases the D-Bus connection.
func (c *Central) Close() error {
	return c.conn.Close()
}

func (c *Central) managed() (managedObjects, error) {
	var objs managedObjects
	obj := c.conn.Object(busName, "/")
	if err := obj.Call(omIface+".GetManagedObjects", 0).Store(&objs); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objs, nil
}

// Find scans all adapters until a matching device appears. With a non-empty
// address only that device matches; otherwise the first device advertising
// both colorimeter services is returned.
func (c *Central) Find(ctx context.Context, address string) (device.Peripheral, error) {
	objs, err := c.managed()
	if err != nil {
		return nil, err
	}

	var adapters []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			adapters = append(adapters, path)
		}
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("no bluetooth adapter found")
	}

	for _, path := range adapters {
		obj := c.conn.Object(busName, path)
		filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("le")}
		if err := obj.Call(adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
			c.log.Debug().Str("adapter", string(path)).Err(err).Msg("set discovery filter failed")
		}
		if err := obj.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
			c.log.Warn().Str("adapter", string(path)).Err(err).Msg("start discovery failed")
		}
	}
	defer func() {
		for _, path := range adapters {
			c.conn.Object(busName, path).Call(adapterIface+".StopDiscovery", 0)
		}
	}()

	matchOpts := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(omIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchPathNamespace("/org/bluez")},
	}
	for _, opts := range matchOpts {
		if err := c.conn.AddMatchSignal(opts...); err != nil {
			return nil, fmt.Errorf("add signal match: %w", err)
		}
	}
	defer func() {
		for _, opts := range matchOpts {
			c.conn.RemoveMatchSignal(opts...)
		}
	}()

	signals := make(chan *dbus.Signal, 32)
	c.conn.Signal(signals)
	defer c.conn.RemoveSignal(signals)

	// Known devices first; discovery signals after.
	for path, ifaces := range objs {
		if props, ok := ifaces[deviceIface]; ok {
			if p := c.match(path, props, address); p != nil {
				return p, nil
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no device found: %w", ctx.Err())
		case sig, ok := <-signals:
			if !ok {
				return nil, fmt.Errorf("signal stream closed")
			}
			if p := c.checkSignal(sig, address); p != nil {
				return p, nil
			}
		}
	}
}

func (c *Central) checkSignal(sig *dbus.Signal, address string) *peripheral {
	switch sig.Name {
	case interfacesAddedSignal:
		if len(sig.Body) < 2 {
			return nil
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return nil
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return nil
		}
		if props, ok := ifaces[deviceIface]; ok {
			return c.match(path, props, address)
		}
	case propsChangedSignal:
		if len(sig.Body) < 1 {
			return nil
		}
		iface, ok := sig.Body[0].(string)
		if !ok || iface != deviceIface {
			return nil
		}
		// Service UUIDs can arrive after the device object; refetch.
		var props map[string]dbus.Variant
		obj := c.conn.Object(busName, sig.Path)
		if err := obj.Call(propsIface+".GetAll", 0, deviceIface).Store(&props); err != nil {
			return nil
		}
		return c.match(sig.Path, props, address)
	}
	return nil
}

// match decides whether a discovered device is the one we want.
func (c *Central) match(path dbus.ObjectPath, props map[string]dbus.Variant, address string) *peripheral {
	addr, _ := props["Address"].Value().(string)
	name, _ := props["Name"].Value().(string)
	if name == "" {
		name, _ = props["Alias"].Value().(string)
	}
	uuids, _ := props["UUIDs"].Value().([]string)
	capable := containsUUID(uuids, writeServiceUUID) && containsUUID(uuids, notifyServiceUUID)
	c.log.Debug().Str("address", addr).Str("name", name).Bool("capable", capable).Msg("device seen")

	if address != "" {
		if !strings.EqualFold(addr, address) {
			return nil
		}
	} else if !capable {
		return nil
	}
	return &peripheral{
		conn:    c.conn,
		path:    path,
		address: addr,
		name:    name,
		log:     c.log,
		done:    make(chan struct{}),
	}
}

// peripheral is one BlueZ device object plus its two GATT characteristics.
type peripheral struct {
	conn    *dbus.Conn
	path    dbus.ObjectPath
	address string
	name    string
	log     zerolog.Logger

	writePath  dbus.ObjectPath
	notifyPath dbus.ObjectPath
	signals    chan *dbus.Signal
	done       chan struct{}
	closed     bool
}

func (p *peripheral) Address() string { return p.address }
func (p *peripheral) Name() string    { return p.name }

func (p *peripheral) obj(path dbus.ObjectPath) dbus.BusObject {
	return p.conn.Object(busName, path)
}

// Connect establishes the link and waits until BlueZ has resolved services,
// so characteristic objects exist before Notifications runs.
func (p *peripheral) Connect(ctx context.Context) error {
	if err := p.obj(p.path).CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		return fmt.Errorf("connect %s: %w", p.address, err)
	}
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		var v dbus.Variant
		err := p.obj(p.path).Call(propsIface+".Get", 0, deviceIface, "ServicesResolved").Store(&v)
		if err == nil {
			if resolved, _ := v.Value().(bool); resolved {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for service resolution: %w", ctx.Err())
		case <-tick.C:
		}
	}
}

// Notifications locates the write/notify characteristics under the device
// and starts the notification stream. Missing characteristics are fatal for
// the session.
func (p *peripheral) Notifications(ctx context.Context) (<-chan []byte, error) {
	var objs managedObjects
	if err := p.obj("/").Call(omIface+".GetManagedObjects", 0).Store(&objs); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	prefix := string(p.path) + "/"
	for path, ifaces := range objs {
		chr, ok := ifaces[charIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		id, _ := chr["UUID"].Value().(string)
		switch normalizeUUID(id) {
		case writeCharUUID:
			p.writePath = path
		case notifyCharUUID:
			p.notifyPath = path
		}
	}
	if p.writePath == "" {
		return nil, fmt.Errorf("write characteristic %s not found", writeCharUUID)
	}
	if p.notifyPath == "" {
		return nil, fmt.Errorf("notify characteristic %s not found", notifyCharUUID)
	}

	for _, path := range []dbus.ObjectPath{p.notifyPath, p.path} {
		opts := []dbus.MatchOption{
			dbus.WithMatchInterface(propsIface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchObjectPath(path),
		}
		if err := p.conn.AddMatchSignal(opts...); err != nil {
			return nil, fmt.Errorf("add signal match: %w", err)
		}
	}
	p.signals = make(chan *dbus.Signal, 32)
	p.conn.Signal(p.signals)

	if err := p.obj(p.notifyPath).CallWithContext(ctx, charIface+".StartNotify", 0).Err; err != nil {
		p.conn.RemoveSignal(p.signals)
		return nil, fmt.Errorf("start notify: %w", err)
	}

	frames := make(chan []byte, 16)
	go p.watch(frames)
	return frames, nil
}

// watch translates D-Bus property signals into notification frames, and
// closes the stream when the device reports disconnection.
func (p *peripheral) watch(frames chan<- []byte) {
	for {
		var sig *dbus.Signal
		var ok bool
		select {
		case <-p.done:
			return
		case sig, ok = <-p.signals:
			if !ok {
				close(frames)
				return
			}
		}
		if sig.Name != propsChangedSignal || len(sig.Body) < 2 {
			continue
		}
		iface, _ := sig.Body[0].(string)
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}
		switch {
		case sig.Path == p.notifyPath && iface == charIface:
			if v, ok := changed["Value"]; ok {
				if frame, ok := v.Value().([]byte); ok {
					select {
					case frames <- frame:
					case <-p.done:
						return
					}
				}
			}
		case sig.Path == p.path && iface == deviceIface:
			if v, ok := changed["Connected"]; ok {
				if connected, _ := v.Value().(bool); !connected {
					p.log.Debug().Str("address", p.address).Msg("device reported disconnection")
					close(frames)
					return
				}
			}
		}
	}
}

// Write sends one command frame without response, per the device protocol.
func (p *peripheral) Write(frame []byte) error {
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("command")}
	if err := p.obj(p.writePath).Call(charIface+".WriteValue", 0, frame, opts).Err; err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close stops notifications and disconnects, best-effort.
func (p *peripheral) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	if p.notifyPath != "" {
		if err := p.obj(p.notifyPath).Call(charIface+".StopNotify", 0).Err; err != nil {
			p.log.Warn().Err(err).Msg("stop notify failed")
		}
	}
	if p.signals != nil {
		p.conn.RemoveSignal(p.signals)
	}
	if err := p.obj(p.path).Call(deviceIface+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("disconnect %s: %w", p.address, err)
	}
	return nil
}
