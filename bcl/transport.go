package bcl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"dosgo/bclProxy/util"
)

var (
	ErrNotHandshake = errors.New("bcl: first packet is not a handshake")
	ErrShutdown     = errors.New("bcl: transport shut down")
)

// SessionInit is written repeatedly until the head unit answers.
var SessionInit = []byte{0x12, 0x34, 0x56, 0x78}

const (
	// DefaultInitInterval spaces the session-init probes.
	DefaultInitInterval = 1000 * time.Millisecond
	// SelectedVersion is the protocol version answered to newer head units.
	SelectedVersion = 3
	// handshakeFrameSize is what must be readable before the handshake is parsed.
	handshakeFrameSize = HeaderSize + handshakeSize
)

// Transport owns the physical link: handshake, negotiation, per-frame acks
// and the byte counters behind the report.
type Transport struct {
	in     *bufio.Reader
	out    *PacketWriter
	states *StateStore

	InitInterval time.Duration

	start        time.Time
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	unacked      atomic.Int64
	openConns    atomic.Int64
	watchdogRTT  atomic.Int64

	mu        sync.Mutex
	handshake *Packet
	hooks     []func()

	shut atomic.Bool
	done chan struct{}
}

// NewTransport wraps link. The caller keeps ownership of link and closes it
// to unblock a pending read.
func NewTransport(link io.ReadWriter, states *StateStore) *Transport {
	if states == nil {
		states = NewStateStore()
	}
	t := &Transport{
		states:       states,
		InitInterval: DefaultInitInterval,
		start:        time.Now(),
		done:         make(chan struct{}),
	}
	t.in = bufio.NewReader(countingReader{r: link, n: &t.bytesRead})
	t.out = NewPacketWriter(countingWriter{w: link, n: &t.bytesWritten})
	return t
}

func (t *Transport) States() *StateStore { return t.states }

// Done is closed once Shutdown has completed.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Connect runs the session-init probe, waits for the handshake and
// negotiates the protocol version. Any failure leaves BclState FAILED and the
// transport unusable.
func (t *Transport) Connect(ctx context.Context) error {
	t.states.SetBcl(BclOpening)
	hs, err := t.waitForHandshake(ctx)
	if err != nil {
		t.states.SetBcl(BclFailed)
		return err
	}
	t.states.SetBcl(BclInitializing)
	util.LogInfo("BCL handshake: %s", hs)

	t.states.SetBcl(BclNegotiating)
	if err := t.selectProtocol(hs); err != nil {
		t.states.SetBcl(BclFailed)
		return err
	}
	t.states.SetBcl(BclActive)
	return nil
}

func (t *Transport) waitForHandshake(ctx context.Context) (*Packet, error) {
	ready := make(chan error, 1)
	go func() {
		_, err := t.in.Peek(handshakeFrameSize)
		ready <- err
	}()

	interval := t.InitInterval
	if interval <= 0 {
		interval = DefaultInitInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := t.out.Write(SessionInit); err != nil {
			return nil, fmt.Errorf("bcl: sending session init: %w", err)
		}
		select {
		case err := <-ready:
			if err != nil {
				return nil, fmt.Errorf("bcl: waiting for handshake: %w", err)
			}
			return t.readHandshake()
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Transport) readHandshake() (*Packet, error) {
	p, err := ReadPacket(t.in)
	if err != nil {
		return nil, fmt.Errorf("bcl: reading handshake: %w", err)
	}
	if p.Kind() != KindHandshake {
		return nil, fmt.Errorf("%w: got %s", ErrNotHandshake, p)
	}
	t.mu.Lock()
	t.handshake = p
	t.mu.Unlock()
	return p, nil
}

func (t *Transport) selectProtocol(hs *Packet) error {
	h, _ := hs.Handshake()
	if h.Version() <= SelectedVersion {
		return nil
	}
	if err := t.WritePacket(NewSelectProto(SelectedVersion)); err != nil {
		return fmt.Errorf("bcl: select protocol: %w", err)
	}
	if err := t.WritePacket(NewKnock(nil, nil, nil, nil, 0, 1)); err != nil {
		return fmt.Errorf("bcl: knock: %w", err)
	}
	return nil
}

// Handshake returns the head unit's handshake once Connect got that far.
func (t *Transport) Handshake() (Handshake, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handshake == nil {
		return Handshake{}, false
	}
	return t.handshake.Handshake()
}

// WritePacket sends one frame and accounts outbound DATA against acks.
func (t *Transport) WritePacket(p *Packet) error {
	if util.DebugEnabled() {
		util.LogDebug("BCL send %s", p)
	}
	if err := t.out.WritePacket(p); err != nil {
		return err
	}
	if p.Command == CommandData {
		t.unacked.Add(int64(p.Len()))
	}
	return nil
}

// ReadPacket returns the next DATA or CLOSE frame. Every frame is acked
// before it is looked at; DATAACKs settle the outbound counter, HANGUP shuts
// the transport down and everything else is dropped.
func (t *Transport) ReadPacket() (*Packet, error) {
	for {
		p, err := ReadPacket(t.in)
		if err != nil {
			if t.shut.Load() {
				return nil, ErrShutdown
			}
			return nil, err
		}
		if util.DebugEnabled() {
			util.LogDebug("BCL recv %s", p)
		}
		if err := t.WritePacket(NewDataAck(uint32(p.Len()))); err != nil {
			return nil, fmt.Errorf("bcl: acking %s: %w", p.Command, err)
		}
		switch p.Command {
		case CommandData, CommandClose:
			return p, nil
		case CommandHangup:
			util.LogInfo("BCL hangup from head unit")
			t.Shutdown()
			return nil, ErrShutdown
		case CommandDataAck:
			if a, ok := p.DataAck(); ok {
				t.unacked.Add(-int64(a.Count()))
			}
		default:
			util.LogDebug("BCL dropping %s", p)
		}
	}
}

// OnShutdown registers f to run at the start of Shutdown, before HANGUP is
// sent. Hooks run in registration order.
func (t *Transport) OnShutdown(f func()) {
	t.mu.Lock()
	t.hooks = append(t.hooks, f)
	t.mu.Unlock()
}

// Shutdown tears the session down once: hooks, one HANGUP, flush. Errors are
// logged, never returned. Calls after the first return immediately.
func (t *Transport) Shutdown() {
	if !t.shut.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	hooks := append([]func(){}, t.hooks...)
	t.mu.Unlock()
	for _, f := range hooks {
		f()
	}
	if err := t.out.WritePacket(NewHangup()); err != nil {
		util.LogWarning("BCL hangup not sent: %v", err)
	}
	if err := t.out.Flush(); err != nil {
		util.LogWarning("BCL flush on shutdown: %v", err)
	}
	t.states.SetBcl(BclShutdown)
	close(t.done)
}

// IsShutdown reports whether Shutdown has been called.
func (t *Transport) IsShutdown() bool { return t.shut.Load() }

func (t *Transport) setOpenConnections(n int) { t.openConns.Store(int64(n)) }

// SetWatchdogRTT records the latest ping round trip.
func (t *Transport) SetWatchdogRTT(d time.Duration) { t.watchdogRTT.Store(int64(d)) }
