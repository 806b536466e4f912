package bcl

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// ProxyConnection is one live sub-connection. ToClient receives payloads
// routed in from the tunnel; Tunnel carries local bytes out as DATA frames.
type ProxyConnection struct {
	SrcPort  uint16
	DestPort uint16

	toClient io.WriteCloser
	toTunnel *Stream
	onClose  func(*ProxyConnection)

	closed atomic.Bool
}

// NewProxyConnection wires a local sink to the tunnel. onClose runs once,
// after both sides are closed.
func NewProxyConnection(src, dest uint16, toClient io.WriteCloser, out PacketSender, onClose func(*ProxyConnection)) *ProxyConnection {
	return &ProxyConnection{
		SrcPort:  src,
		DestPort: dest,
		toClient: toClient,
		toTunnel: NewStream(out, src, dest),
		onClose:  onClose,
	}
}

func (c *ProxyConnection) key() connKey {
	return connKey{src: c.SrcPort, dest: c.DestPort}
}

// Tunnel is the writer local code uses to send bytes to the peer.
func (c *ProxyConnection) Tunnel() io.Writer {
	return c.toTunnel
}

// WriteToClient delivers an inbound payload to the local sink.
func (c *ProxyConnection) WriteToClient(b []byte) error {
	_, err := c.toClient.Write(b)
	return err
}

// Close closes both sinks, sends CLOSE upstream unless the peer already
// closed, and runs the removal callback. Only the first call does anything;
// a sink may re-enter Close (directly or through transport shutdown).
func (c *ProxyConnection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := c.toClient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("client side: %w", err))
	}
	if err := c.toTunnel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("tunnel side: %w", err))
	}
	if c.onClose != nil {
		c.onClose(c)
	}
	return errors.Join(errs...)
}

// Closed reports whether Close has been called.
func (c *ProxyConnection) Closed() bool { return c.closed.Load() }

// closeFromPeer closes the connection without echoing CLOSE upstream.
func (c *ProxyConnection) closeFromPeer() error {
	c.toTunnel.detach()
	return c.Close()
}

func (c *ProxyConnection) String() string {
	return fmt.Sprintf("conn(%d->%d)", c.SrcPort, c.DestPort)
}
