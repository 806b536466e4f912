package bcl

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// headUnit is the scripted far end of a net.Pipe.
type headUnit struct {
	t    *testing.T
	conn net.Conn
}

func newPipeTransport(t *testing.T) (*Transport, *headUnit) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	tr := NewTransport(local, NewStateStore())
	tr.InitInterval = time.Hour
	return tr, &headUnit{t: t, conn: remote}
}

func (h *headUnit) expectProbe() error {
	b := make([]byte, len(SessionInit))
	if _, err := io.ReadFull(h.conn, b); err != nil {
		return err
	}
	if !bytes.Equal(b, SessionInit) {
		return errors.New("unexpected session init bytes")
	}
	return nil
}

func (h *headUnit) send(p *Packet) error { return WritePacket(h.conn, p) }

func (h *headUnit) recv() (*Packet, error) { return ReadPacket(h.conn) }

// connect drives a full handshake with the given version.
func connect(t *testing.T, tr *Transport, hu *headUnit, version uint16) {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		if err := hu.expectProbe(); err != nil {
			errc <- err
			return
		}
		if err := hu.send(NewHandshake(version, 14, 0x8000)); err != nil {
			errc <- err
			return
		}
		if version > SelectedVersion {
			if _, err := hu.recv(); err != nil {
				errc <- err
				return
			}
			if _, err := hu.recv(); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("head unit: %v", err)
	}
}

func TestConnectNegotiatesVersion3(t *testing.T) {
	tr, hu := newPipeTransport(t)

	type result struct {
		sel, knock *Packet
		err        error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		if r.err = hu.expectProbe(); r.err != nil {
			done <- r
			return
		}
		hs := &Packet{Command: CommandHandshake, Data: []byte{0x00, 0x04, 0x00, 0x0e, 0x00, 0x00, 0x80, 0x00}}
		if r.err = hu.send(hs); r.err != nil {
			done <- r
			return
		}
		if r.sel, r.err = hu.recv(); r.err != nil {
			done <- r
			return
		}
		r.knock, r.err = hu.recv()
		done <- r
	}()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	r := <-done
	if r.err != nil {
		t.Fatalf("head unit: %v", r.err)
	}

	sel, ok := r.sel.SelectProto()
	if !ok {
		t.Fatalf("first packet after handshake = %s, want SelectProto", r.sel)
	}
	if sel.Version() != 3 {
		t.Fatalf("SelectProto version = %d, want 3", sel.Version())
	}
	if r.knock.Command != CommandKnock {
		t.Fatalf("second packet = %s, want KNOCK", r.knock)
	}
	k, err := parseKnock(r.knock.Data)
	if err != nil {
		t.Fatalf("parsing knock: %v", err)
	}
	if len(k.Serial)+len(k.BtAddr)+len(k.MacAddr)+len(k.WifiAddr) != 0 || k.AppType != 0 || k.Param1 != 1 {
		t.Fatalf("knock = %+v", k)
	}

	if got := tr.States().Get().Bcl; got != BclActive {
		t.Fatalf("BclState = %s, want ACTIVE", got)
	}
	rep := tr.Report()
	if rep.InstanceID != 14 || rep.HeadUnitBufferSize != 0x8000 || rep.State != "WORKING" {
		t.Fatalf("Report() = %+v", rep)
	}
}

func TestConnectOldVersionSkipsSelect(t *testing.T) {
	tr, hu := newPipeTransport(t)
	connect(t, tr, hu, 3)

	got := make(chan *Packet, 1)
	go func() {
		p, _ := hu.recv()
		got <- p
	}()
	tr.Shutdown()
	if p := <-got; p == nil || p.Command != CommandHangup {
		t.Fatalf("next packet after v3 handshake = %v, want HANGUP", p)
	}
}

func TestConnectRejectsNonHandshake(t *testing.T) {
	tr, hu := newPipeTransport(t)
	go func() {
		hu.expectProbe()
		hu.send(NewData(1, 2, make([]byte, 8)))
	}()
	err := tr.Connect(context.Background())
	if !errors.Is(err, ErrNotHandshake) {
		t.Fatalf("Connect() error = %v, want ErrNotHandshake", err)
	}
	if got := tr.States().Get().Bcl; got != BclFailed {
		t.Fatalf("BclState = %s, want FAILED", got)
	}
	if got := tr.Report().State; got != "HANDSHAKE_FAILED" {
		t.Fatalf("report label = %s", got)
	}
}

func TestConnectLinkClosed(t *testing.T) {
	tr, hu := newPipeTransport(t)
	go func() {
		hu.expectProbe()
		hu.conn.Write([]byte{0x00, 0x04})
		hu.conn.Close()
	}()
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("Connect() succeeded on a closed link")
	}
	if got := tr.States().Get().Bcl; got != BclFailed {
		t.Fatalf("BclState = %s, want FAILED", got)
	}
}

func TestConnectRepeatsProbe(t *testing.T) {
	tr, hu := newPipeTransport(t)
	tr.InitInterval = 5 * time.Millisecond

	probes := make(chan int, 1)
	go func() {
		n := 0
		for n < 3 {
			if err := hu.expectProbe(); err != nil {
				probes <- n
				return
			}
			n++
		}
		hu.send(NewHandshake(2, 1, 0x100))
		probes <- n
		// Keep draining late probes until the pipe closes.
		io.Copy(io.Discard, hu.conn)
	}()
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if n := <-probes; n != 3 {
		t.Fatalf("saw %d probes before answering, want 3", n)
	}
}

func TestConnectCancelled(t *testing.T) {
	tr, hu := newPipeTransport(t)
	go io.Copy(io.Discard, hu.conn)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tr.Connect(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect() error = %v, want deadline exceeded", err)
	}
}

func TestReadPacketAcksEveryFrame(t *testing.T) {
	tr, hu := newPipeTransport(t)
	connect(t, tr, hu, 3)

	for _, n := range []int{0, 5, 1000} {
		acks := make(chan *Packet, 1)
		go func() {
			hu.send(NewData(10, 4004, make([]byte, n)))
			p, _ := hu.recv()
			acks <- p
		}()
		p, err := tr.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket() error = %v", err)
		}
		if p.Command != CommandData || len(p.Data) != n {
			t.Fatalf("ReadPacket() = %s", p)
		}
		ack, ok := (<-acks).DataAck()
		if !ok {
			t.Fatal("no DATAACK after DATA frame")
		}
		if ack.Count() != uint32(n+8) {
			t.Fatalf("ack count = %d, want %d", ack.Count(), n+8)
		}
	}
}

func TestReadPacketDropsAndSettlesAcks(t *testing.T) {
	tr, hu := newPipeTransport(t)
	connect(t, tr, hu, 3)

	go hu.recv()
	if err := tr.WritePacket(NewData(10, 4004, make([]byte, 92))); err != nil {
		t.Fatal(err)
	}
	if got := tr.Report().RemainingAckBytes; got != 100 {
		t.Fatalf("RemainingAckBytes = %d, want 100", got)
	}

	go func() {
		hu.send(NewDataAck(60))
		hu.recv()
		hu.send(&Packet{Command: CommandBroadcast, Data: []byte{1}})
		hu.recv()
		hu.send(NewClose(10, 4004))
		hu.recv()
	}()
	p, err := tr.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket() error = %v", err)
	}
	if p.Command != CommandClose {
		t.Fatalf("ReadPacket() = %s, want CLOSE", p)
	}
	if got := tr.Report().RemainingAckBytes; got != 40 {
		t.Fatalf("RemainingAckBytes = %d, want 40", got)
	}
}

func TestHangupShutsDown(t *testing.T) {
	tr, hu := newPipeTransport(t)
	connect(t, tr, hu, 3)

	frames := make(chan []*Packet, 1)
	go func() {
		hu.send(NewHangup())
		ack, _ := hu.recv()
		hangup, _ := hu.recv()
		frames <- []*Packet{ack, hangup}
	}()
	if _, err := tr.ReadPacket(); !errors.Is(err, ErrShutdown) {
		t.Fatalf("ReadPacket() error = %v, want ErrShutdown", err)
	}
	got := <-frames
	if got[0].Command != CommandDataAck || got[1].Command != CommandHangup {
		t.Fatalf("frames after HANGUP = %s, %s", got[0], got[1])
	}
	select {
	case <-tr.Done():
	default:
		t.Fatal("Done() not closed after HANGUP")
	}
	if got := tr.States().Get().Bcl; got != BclShutdown {
		t.Fatalf("BclState = %s, want SHUTDOWN", got)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	rec := &recorder{}
	tr := NewTransport(rec, nil)
	hooks := 0
	tr.OnShutdown(func() { hooks++ })

	tr.Shutdown()
	tr.Shutdown()

	ps := rec.packets(t)
	if len(ps) != 1 || ps[0].Command != CommandHangup || ps[0].Src != 0 || ps[0].Dest != 0 || len(ps[0].Data) != 0 {
		t.Fatalf("frames = %v, want a single HANGUP", ps)
	}
	if hooks != 1 {
		t.Fatalf("hooks ran %d times", hooks)
	}
	if !tr.IsShutdown() {
		t.Fatal("IsShutdown() = false")
	}
}

func TestReportBeforeHandshake(t *testing.T) {
	tr := NewTransport(&recorder{}, nil)
	r := tr.Report()
	if r.InstanceID != -1 || r.HeadUnitBufferSize != -1 || r.State != "UNKNOWN" {
		t.Fatalf("Report() = %+v", r)
	}
	if r.StartTimestamp.IsZero() {
		t.Fatal("StartTimestamp not set")
	}
}

func TestByteCounters(t *testing.T) {
	tr, hu := newPipeTransport(t)
	connect(t, tr, hu, 3)
	r := tr.Report()
	if r.BytesWritten != int64(len(SessionInit)) {
		t.Fatalf("BytesWritten = %d, want %d", r.BytesWritten, len(SessionInit))
	}
	if r.BytesRead != HeaderSize+8 {
		t.Fatalf("BytesRead = %d, want %d", r.BytesRead, HeaderSize+8)
	}
}

func TestConcurrentWritersKeepFramesWhole(t *testing.T) {
	rec := &recorder{}
	tr := NewTransport(rec, nil)
	const writers, frames, size = 8, 20, 20000

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(id uint16) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte(id)}, size+int(id))
			for i := 0; i < frames; i++ {
				if err := tr.WritePacket(NewData(100+id, 4004, payload)); err != nil {
					t.Errorf("writer %d: %v", id, err)
					return
				}
			}
		}(uint16(w))
	}
	wg.Wait()

	ps := rec.packets(t)
	if len(ps) != writers*frames {
		t.Fatalf("decoded %d frames, want %d", len(ps), writers*frames)
	}
	perWriter := make(map[uint16]int)
	for _, p := range ps {
		id := p.Src - 100
		if p.Command != CommandData || id >= writers || p.Dest != 4004 {
			t.Fatalf("frame = %s", p)
		}
		if len(p.Data) != size+int(id) || !bytes.Equal(p.Data, bytes.Repeat([]byte{byte(id)}, len(p.Data))) {
			t.Fatalf("frame from writer %d carries foreign bytes", id)
		}
		perWriter[id]++
	}
	for id, n := range perWriter {
		if n != frames {
			t.Fatalf("writer %d: %d frames, want %d", id, n, frames)
		}
	}
	want := int64(writers * frames * (HeaderSize + size))
	for id := 0; id < writers; id++ {
		want += int64(frames * id)
	}
	if got := tr.Report().RemainingAckBytes; got != want {
		t.Fatalf("RemainingAckBytes = %d, want %d", got, want)
	}
}
