package comm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"dosgo/bclProxy/util"
)

const (
	bluezService   = "org.bluez"
	profileIface   = "org.bluez.Profile1"
	profileManager = "org.bluez.ProfileManager1"
)

var errListenerClosed = errors.New("rfcomm listener closed")

// profile implements org.bluez.Profile1. BlueZ calls NewConnection with the
// connected RFCOMM socket.
type profile struct {
	conns chan io.ReadWriteCloser
	done  chan struct{}
}

func (p *profile) NewConnection(device dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	util.LogInfo("BlueZ connection from %s", device)
	link, err := fdLink(int(fd), "bluez:"+string(device))
	if err != nil {
		return dbus.MakeFailedError(err)
	}
	select {
	case p.conns <- link:
		return nil
	case <-p.done:
		link.Close()
		return dbus.MakeFailedError(errListenerClosed)
	}
}

func (p *profile) RequestDisconnection(device dbus.ObjectPath) *dbus.Error {
	util.LogInfo("BlueZ disconnect requested by %s", device)
	return nil
}

func (p *profile) Release() *dbus.Error { return nil }

// registration is one exported profile on the system bus.
type registration struct {
	bus     *dbus.Conn
	path    dbus.ObjectPath
	profile *profile
	once    sync.Once
}

func registerProfile(serviceUUID, role string, channel int) (*registration, error) {
	if _, err := uuid.Parse(serviceUUID); err != nil {
		return nil, fmt.Errorf("profile uuid: %w", err)
	}
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("system bus: %w", err)
	}
	// Object path elements only allow [A-Za-z0-9_].
	path := dbus.ObjectPath("/dosgo/bclproxy/p" + strings.ReplaceAll(uuid.NewString(), "-", ""))
	r := &registration{
		bus:     bus,
		path:    path,
		profile: &profile{conns: make(chan io.ReadWriteCloser), done: make(chan struct{})},
	}
	if err := bus.Export(r.profile, path, profileIface); err != nil {
		return nil, fmt.Errorf("export profile: %w", err)
	}
	options := map[string]dbus.Variant{
		"Name": dbus.MakeVariant("BclProxy"),
		"Role": dbus.MakeVariant(role),
	}
	if channel > 0 {
		options["Channel"] = dbus.MakeVariant(uint16(channel))
	}
	obj := bus.Object(bluezService, "/org/bluez")
	if err := obj.Call(profileManager+".RegisterProfile", 0, path, serviceUUID, options).Store(); err != nil {
		bus.Export(nil, path, profileIface)
		return nil, fmt.Errorf("RegisterProfile: %w", err)
	}
	return r, nil
}

func (r *registration) close() {
	r.once.Do(func() {
		close(r.profile.done)
		r.bus.Object(bluezService, "/org/bluez").Call(profileManager+".UnregisterProfile", 0, r.path)
		r.bus.Export(nil, r.path, profileIface)
	})
}

func devicePath(adapter, mac string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_"))
}

// bluezLink keeps the client profile registered for the link's lifetime.
type bluezLink struct {
	io.ReadWriteCloser
	reg *registration
}

func (l *bluezLink) Close() error {
	err := l.ReadWriteCloser.Close()
	l.reg.close()
	return err
}

// DialBlueZ registers a client profile and asks BlueZ to connect it to the
// device, which hands the socket back through NewConnection.
func DialBlueZ(ctx context.Context, cfg LinkConfig) (io.ReadWriteCloser, error) {
	if _, err := parseMAC(cfg.Address); err != nil {
		return nil, err
	}
	reg, err := registerProfile(cfg.UUID, "client", 0)
	if err != nil {
		return nil, err
	}
	dev := reg.bus.Object(bluezService, devicePath(cfg.Adapter, cfg.Address))
	call := dev.GoWithContext(ctx, "org.bluez.Device1.ConnectProfile", 0, nil, cfg.UUID)

	select {
	case link := <-reg.profile.conns:
		return &bluezLink{ReadWriteCloser: link, reg: reg}, nil
	case <-call.Done:
		if call.Err != nil {
			reg.close()
			return nil, fmt.Errorf("ConnectProfile %s: %w", cfg.Address, call.Err)
		}
	case <-ctx.Done():
		reg.close()
		return nil, ctx.Err()
	}
	// ConnectProfile returned before the socket arrived.
	select {
	case link := <-reg.profile.conns:
		return &bluezLink{ReadWriteCloser: link, reg: reg}, nil
	case <-ctx.Done():
		reg.close()
		return nil, ctx.Err()
	}
}

// RFCOMMListener accepts RFCOMM connections through a server profile.
type RFCOMMListener struct {
	reg  *registration
	uuid string
}

// ListenRFCOMM registers a server profile for serviceUUID on channel.
func ListenRFCOMM(serviceUUID string, channel int) (*RFCOMMListener, error) {
	if channel <= 0 {
		channel = 1
	}
	reg, err := registerProfile(serviceUUID, "server", channel)
	if err != nil {
		return nil, err
	}
	return &RFCOMMListener{reg: reg, uuid: serviceUUID}, nil
}

// Accept blocks until a device connects or the listener is closed.
func (l *RFCOMMListener) Accept() (io.ReadWriteCloser, error) {
	select {
	case conn := <-l.reg.profile.conns:
		return conn, nil
	case <-l.reg.profile.done:
		return nil, errListenerClosed
	}
}

func (l *RFCOMMListener) Close() error {
	l.reg.close()
	return nil
}

func (l *RFCOMMListener) String() string { return "rfcomm:" + l.uuid }
