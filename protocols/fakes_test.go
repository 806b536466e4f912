package protocols

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dosgo/bclProxy/bcl"
)

// sentPackets collects frames written by sub-connections.
type sentPackets struct {
	ch chan *bcl.Packet
}

func newSentPackets() *sentPackets {
	return &sentPackets{ch: make(chan *bcl.Packet, 256)}
}

func (s *sentPackets) WritePacket(p *bcl.Packet) error {
	s.ch <- &bcl.Packet{Command: p.Command, Src: p.Src, Dest: p.Dest, Data: append([]byte(nil), p.Data...)}
	return nil
}

func (s *sentPackets) next(t *testing.T) *bcl.Packet {
	t.Helper()
	select {
	case p := <-s.ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// fakeOpener hands out sub-connections without a transport.
type fakeOpener struct {
	out *sentPackets

	mu     sync.Mutex
	next   uint16
	conns  []*bcl.ProxyConnection
	opened chan *bcl.ProxyConnection
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{out: newSentPackets(), next: 10, opened: make(chan *bcl.ProxyConnection, 16)}
}

func (o *fakeOpener) OpenConnection(dest uint16, sink io.WriteCloser) (*bcl.ProxyConnection, error) {
	o.mu.Lock()
	src := o.next
	o.next++
	o.mu.Unlock()
	return o.OpenFixed(src, dest, sink)
}

func (o *fakeOpener) OpenFixed(src, dest uint16, sink io.WriteCloser) (*bcl.ProxyConnection, error) {
	c := bcl.NewProxyConnection(src, dest, sink, o.out, nil)
	o.out.WritePacket(bcl.NewOpen(src, dest))
	o.mu.Lock()
	o.conns = append(o.conns, c)
	o.mu.Unlock()
	o.opened <- c
	return c, nil
}

func (o *fakeOpener) waitOpened(t *testing.T) *bcl.ProxyConnection {
	t.Helper()
	select {
	case c := <-o.opened:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sub-connection")
		return nil
	}
}

type countingShutdowner struct {
	n   atomic.Int32
	rtt atomic.Int64
}

func (s *countingShutdowner) Shutdown() { s.n.Add(1) }

func (s *countingShutdowner) SetWatchdogRTT(d time.Duration) { s.rtt.Store(int64(d)) }
