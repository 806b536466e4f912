package bcl

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"dosgo/bclProxy/util"
)

var ErrDuplicateConnection = errors.New("bcl: duplicate src/dest connection")

// FirstDynamicPort is the first source port handed out by OpenConnection.
const FirstDynamicPort = 10

// Opener opens sub-connections on the tunnel.
type Opener interface {
	// OpenConnection allocates the next source port for dest.
	OpenConnection(dest uint16, sink io.WriteCloser) (*ProxyConnection, error)
	// OpenFixed opens a sub-connection on a reserved port pair.
	OpenFixed(src, dest uint16, sink io.WriteCloser) (*ProxyConnection, error)
}

// Protocol is a running plugin.
type Protocol interface {
	Shutdown()
}

// ProtocolFactory starts a plugin once the transport is active.
type ProtocolFactory interface {
	OnConnect(t *Transport, o Opener) (Protocol, error)
}

// ProtocolFactoryFunc adapts a function to ProtocolFactory.
type ProtocolFactoryFunc func(t *Transport, o Opener) (Protocol, error)

func (f ProtocolFactoryFunc) OnConnect(t *Transport, o Opener) (Protocol, error) {
	return f(t, o)
}

type connKey struct {
	src, dest uint16
}

// Multiplexer keeps the sub-connection registry for one transport and routes
// inbound DATA and CLOSE frames to it.
type Multiplexer struct {
	t         *Transport
	factories []ProtocolFactory

	mu        sync.Mutex
	conns     map[connKey]*ProxyConnection
	nextPort  uint16
	protocols []Protocol
}

// NewMultiplexer registers its teardown with t, so t.Shutdown stops the
// plugins and closes every sub-connection before HANGUP goes out.
func NewMultiplexer(t *Transport, factories ...ProtocolFactory) *Multiplexer {
	m := &Multiplexer{
		t:         t,
		factories: factories,
		conns:     make(map[connKey]*ProxyConnection),
		nextPort:  FirstDynamicPort,
	}
	t.OnShutdown(m.teardown)
	return m
}

// Start runs every factory in order. If one fails the transport is shut down.
func (m *Multiplexer) Start() error {
	for _, f := range m.factories {
		p, err := f.OnConnect(m.t, m)
		if err != nil {
			m.t.Shutdown()
			return fmt.Errorf("bcl: starting protocol %T: %w", f, err)
		}
		m.mu.Lock()
		m.protocols = append(m.protocols, p)
		m.mu.Unlock()
	}
	return nil
}

// Run starts the plugins and dispatches inbound frames until the transport
// shuts down (nil) or the link fails (the read error, after shutdown).
func (m *Multiplexer) Run() error {
	if err := m.Start(); err != nil {
		return err
	}
	for {
		p, err := m.t.ReadPacket()
		if err != nil {
			if errors.Is(err, ErrShutdown) || m.t.IsShutdown() {
				return nil
			}
			m.t.Shutdown()
			return fmt.Errorf("bcl: read loop: %w", err)
		}
		if err := m.Route(p); err != nil {
			m.t.Shutdown()
			return err
		}
	}
}

// Route delivers one inbound frame. Only link write failures are returned;
// problems local to a sub-connection close that sub-connection.
func (m *Multiplexer) Route(p *Packet) error {
	key := connKey{src: p.Src, dest: p.Dest}
	m.mu.Lock()
	c := m.conns[key]
	m.mu.Unlock()

	switch p.Command {
	case CommandData:
		if c == nil {
			util.LogDebug("BCL data for unknown %d:%d, closing", p.Src, p.Dest)
			return m.t.WritePacket(NewClose(p.Src, p.Dest))
		}
		if err := c.WriteToClient(p.Data); err != nil {
			util.LogWarning("BCL %s client write failed: %v", c, err)
			m.remove(c)
			if err := c.Close(); err != nil {
				util.LogDebug("BCL %s close: %v", c, err)
			}
		}
	case CommandClose:
		if c == nil {
			return nil
		}
		if err := c.closeFromPeer(); err != nil {
			util.LogDebug("BCL %s close: %v", c, err)
		}
	}
	return nil
}

func (m *Multiplexer) OpenConnection(dest uint16, sink io.WriteCloser) (*ProxyConnection, error) {
	m.mu.Lock()
	src := m.nextPort
	m.nextPort++
	c, err := m.register(src, dest, sink)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := m.sendOpen(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *Multiplexer) OpenFixed(src, dest uint16, sink io.WriteCloser) (*ProxyConnection, error) {
	m.mu.Lock()
	c, err := m.register(src, dest, sink)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := m.sendOpen(c); err != nil {
		return nil, err
	}
	return c, nil
}

// register must be called with m.mu held.
func (m *Multiplexer) register(src, dest uint16, sink io.WriteCloser) (*ProxyConnection, error) {
	key := connKey{src: src, dest: dest}
	if _, ok := m.conns[key]; ok {
		return nil, fmt.Errorf("%w: %d:%d", ErrDuplicateConnection, src, dest)
	}
	c := NewProxyConnection(src, dest, sink, m.t, m.remove)
	m.conns[key] = c
	m.t.setOpenConnections(len(m.conns))
	return c, nil
}

func (m *Multiplexer) sendOpen(c *ProxyConnection) error {
	util.LogInfo("BCL opening %s", c)
	if err := m.t.WritePacket(NewOpen(c.SrcPort, c.DestPort)); err != nil {
		c.toTunnel.detach()
		c.Close()
		return fmt.Errorf("bcl: open %s: %w", c, err)
	}
	return nil
}

// remove drops c from the registry if it is still the registered entry.
func (m *Multiplexer) remove(c *ProxyConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.key()] == c {
		delete(m.conns, c.key())
		m.t.setOpenConnections(len(m.conns))
		util.LogInfo("BCL closed %s", c)
	}
}

// OpenCount is the number of registered sub-connections.
func (m *Multiplexer) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Multiplexer) teardown() {
	m.mu.Lock()
	protocols := append([]Protocol(nil), m.protocols...)
	conns := make([]*ProxyConnection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, p := range protocols {
		p.Shutdown()
	}
	for _, c := range conns {
		if err := c.Close(); err != nil {
			util.LogWarning("BCL %s close on shutdown: %v", c, err)
		}
	}
}
