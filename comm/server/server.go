// Package server is the head-unit side of a BCL link. It answers the session
// probe, acks traffic, echoes watchdog pings and bridges sub-connections to
// TCP targets chosen by destination port.
package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/proxy"

	"dosgo/bclProxy/bcl"
	"dosgo/bclProxy/util"
)

const watchdogPort = 5001

type Config struct {
	Version    uint16
	InstanceID uint16
	BufferSize uint32
	// Targets maps a sub-connection dest port to a host:port to dial.
	Targets map[uint16]string
	// SOCKS5 routes target dials through a SOCKS5 server. Empty uses
	// ALL_PROXY / NO_PROXY from the environment.
	SOCKS5 string
	// MuteWatchdog stops answering pings, letting the client's watchdog
	// expire.
	MuteWatchdog bool
}

// DefaultConfig looks like a protocol 4 head unit with a 32 KiB buffer.
func DefaultConfig() Config {
	return Config{Version: 4, InstanceID: 14, BufferSize: 0x8000}
}

type streamKey struct{ src, dest uint16 }

// Stats is what the head unit has seen from the client so far.
type Stats struct {
	SelectedVersion int
	Knocks          int
	Opens           int
	AckedBytes      int64
}

// HeadUnit serves one client link.
type HeadUnit struct {
	btConn io.ReadWriteCloser
	in     *bufio.Reader
	out    *bcl.PacketWriter
	cfg    Config
	dialer proxy.Dialer

	// streamMap routes (src,dest) to the bridged net.Conn.
	streamMap sync.Map
	closeChan chan struct{}
	closeOnce sync.Once

	handshakeSent bool
	selected      atomic.Int32
	knocks        atomic.Int32
	opens         atomic.Int32
	acked         atomic.Int64
}

func NewHeadUnit(btConn io.ReadWriteCloser, cfg Config) (*HeadUnit, error) {
	var dialer proxy.Dialer = proxy.FromEnvironment()
	if cfg.SOCKS5 != "" {
		d, err := proxy.SOCKS5("tcp", cfg.SOCKS5, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer %s: %w", cfg.SOCKS5, err)
		}
		dialer = d
	}
	h := &HeadUnit{
		btConn:    btConn,
		in:        bufio.NewReader(btConn),
		out:       bcl.NewPacketWriter(btConn),
		cfg:       cfg,
		dialer:    dialer,
		closeChan: make(chan struct{}),
	}
	h.selected.Store(-1)
	return h, nil
}

func (h *HeadUnit) Stats() Stats {
	return Stats{
		SelectedVersion: int(h.selected.Load()),
		Knocks:          int(h.knocks.Load()),
		Opens:           int(h.opens.Load()),
		AckedBytes:      h.acked.Load(),
	}
}

// Serve handles the link until the client hangs up (nil), the link fails
// (the read error) or Close is called (nil).
func (h *HeadUnit) Serve() error {
	defer h.cleanup()
	for {
		if probe, err := h.in.Peek(len(bcl.SessionInit)); err == nil && bytes.Equal(probe, bcl.SessionInit) {
			h.in.Discard(len(probe))
			if !h.handshakeSent {
				h.handshakeSent = true
				util.LogInfo("head unit: session probe, sending handshake v%d", h.cfg.Version)
				if err := h.out.WritePacket(bcl.NewHandshake(h.cfg.Version, h.cfg.InstanceID, h.cfg.BufferSize)); err != nil {
					return err
				}
			}
			continue
		}
		p, err := bcl.ReadPacket(h.in)
		if err != nil {
			if h.closed() || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		done, err := h.handle(p)
		if err != nil || done {
			return err
		}
	}
}

func (h *HeadUnit) closed() bool {
	select {
	case <-h.closeChan:
		return true
	default:
		return false
	}
}

func (h *HeadUnit) handle(p *bcl.Packet) (bool, error) {
	if util.DebugEnabled() {
		util.LogDebug("head unit recv %s", p)
	}
	key := streamKey{p.Src, p.Dest}
	switch p.Command {
	case bcl.CommandSelectProto:
		if s, ok := p.SelectProto(); ok {
			h.selected.Store(int32(s.Version()))
		}
	case bcl.CommandKnock:
		h.knocks.Add(1)
	case bcl.CommandDataAck:
		if a, ok := p.DataAck(); ok {
			h.acked.Add(int64(a.Count()))
		}
	case bcl.CommandOpen:
		h.opens.Add(1)
		if p.Dest != watchdogPort {
			return false, h.openStream(key)
		}
	case bcl.CommandData:
		if err := h.out.WritePacket(bcl.NewDataAck(uint32(p.Len()))); err != nil {
			return false, err
		}
		return false, h.handleData(key, p.Data)
	case bcl.CommandClose:
		if v, ok := h.streamMap.LoadAndDelete(key); ok {
			v.(net.Conn).Close()
		}
	case bcl.CommandHangup:
		util.LogInfo("head unit: client hung up")
		return true, nil
	}
	return false, nil
}

func (h *HeadUnit) openStream(key streamKey) error {
	addr, ok := h.cfg.Targets[key.dest]
	if !ok {
		util.LogWarning("head unit: no target for port %d", key.dest)
		return h.out.WritePacket(bcl.NewClose(key.src, key.dest))
	}
	conn, err := h.dialer.Dial("tcp", addr)
	if err != nil {
		util.LogWarning("head unit: dial %s: %v", addr, err)
		return h.out.WritePacket(bcl.NewClose(key.src, key.dest))
	}
	h.streamMap.Store(key, conn)
	go h.startReverseBridge(key, conn)
	return nil
}

func (h *HeadUnit) handleData(key streamKey, data []byte) error {
	if key.src == watchdogPort && key.dest == watchdogPort {
		if h.cfg.MuteWatchdog {
			return nil
		}
		return h.out.WritePacket(bcl.NewData(key.src, key.dest, data))
	}
	v, ok := h.streamMap.Load(key)
	if !ok {
		return h.out.WritePacket(bcl.NewClose(key.src, key.dest))
	}
	conn := v.(net.Conn)
	if _, err := conn.Write(data); err != nil {
		util.LogWarning("head unit: write %d->%d: %v", key.src, key.dest, err)
		if _, loaded := h.streamMap.LoadAndDelete(key); loaded {
			conn.Close()
			return h.out.WritePacket(bcl.NewClose(key.src, key.dest))
		}
	}
	return nil
}

// startReverseBridge copies the target's bytes back as DATA frames and sends
// CLOSE when the target hangs up first.
func (h *HeadUnit) startReverseBridge(key streamKey, conn net.Conn) {
	buffer := make([]byte, 4*1024)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			if werr := h.out.WritePacket(bcl.NewData(key.src, key.dest, buffer[:n])); werr != nil {
				util.LogWarning("head unit: send frame: %v", werr)
				break
			}
		}
		if err != nil {
			break
		}
	}
	if v, loaded := h.streamMap.LoadAndDelete(key); loaded && v == conn {
		conn.Close()
		if !h.closed() {
			h.out.WritePacket(bcl.NewClose(key.src, key.dest))
		}
	}
}

// Hangup ends the session from the head unit side.
func (h *HeadUnit) Hangup() error {
	return h.out.WritePacket(bcl.NewHangup())
}

// cleanup closes every bridged target.
func (h *HeadUnit) cleanup() {
	h.streamMap.Range(func(key, value interface{}) bool {
		h.streamMap.Delete(key)
		value.(net.Conn).Close()
		return true
	})
}

// Close stops Serve by closing the link.
func (h *HeadUnit) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closeChan)
		err = h.btConn.Close()
		h.cleanup()
	})
	return err
}
