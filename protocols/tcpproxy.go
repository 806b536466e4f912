package protocols

import (
	"fmt"
	"io"
	"net"
	"sync"

	"dosgo/bclProxy/bcl"
	"dosgo/bclProxy/util"
)

// clientBufferSize is the per-read chunk moved from a local client.
const clientBufferSize = 4000

// TCPProxyFactory listens on Listen and tunnels every accepted client to
// DestPort on the head unit.
type TCPProxyFactory struct {
	Listen   string
	DestPort uint16
}

func (f TCPProxyFactory) OnConnect(t *bcl.Transport, o bcl.Opener) (bcl.Protocol, error) {
	return StartTCPProxy(t.States(), o, f.Listen, f.DestPort)
}

func (f TCPProxyFactory) String() string {
	return fmt.Sprintf("tcp proxy %s -> %d", f.Listen, f.DestPort)
}

// TCPProxy bridges local TCP clients onto sub-connections.
type TCPProxy struct {
	ln     *net.TCPListener
	opener bcl.Opener
	dest   uint16
	states *bcl.StateStore
	loop   *selector
	once   sync.Once
}

// StartTCPProxy binds addr and starts the client loop. A bind failure marks
// the proxy FAILED and is returned.
func StartTCPProxy(states *bcl.StateStore, o bcl.Opener, addr string, dest uint16) (*TCPProxy, error) {
	if states == nil {
		states = bcl.NewStateStore()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		states.SetProxy(bcl.ProxyFailed)
		return nil, fmt.Errorf("tcp proxy listen %s: %w", addr, err)
	}
	p := &TCPProxy{
		ln:     ln.(*net.TCPListener),
		opener: o,
		dest:   dest,
		states: states,
	}
	p.loop, err = newSelector(p.ln, p.open)
	if err != nil {
		ln.Close()
		states.SetProxy(bcl.ProxyFailed)
		return nil, err
	}
	go p.loop.run()
	states.SetProxy(bcl.ProxyActive)
	util.LogInfo("TCP proxy listening on %s -> BCL port %d", p.ln.Addr(), dest)
	return p, nil
}

func (p *TCPProxy) Addr() net.Addr { return p.ln.Addr() }

func (p *TCPProxy) open(conn *net.TCPConn, sink io.WriteCloser) (*bcl.ProxyConnection, error) {
	conn.SetNoDelay(true)
	util.LogInfo("TCP proxy client %s", conn.RemoteAddr())
	return p.opener.OpenConnection(p.dest, sink)
}

// Shutdown stops accepting and releases the listener. Client sockets close
// with their sub-connections.
func (p *TCPProxy) Shutdown() {
	p.once.Do(func() {
		p.loop.stop()
		if err := p.ln.Close(); err != nil {
			util.LogDebug("TCP proxy listener close: %v", err)
		}
		p.states.SetProxy(bcl.ProxyWaiting)
	})
}
