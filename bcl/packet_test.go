package bcl

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		p    *Packet
		kind Kind
	}{
		{"open", NewOpen(10, 4004), KindOpen},
		{"close", NewClose(10, 4004), KindClose},
		{"data", NewData(5001, 5001, []byte{0x13, 0x37, 0x13, 0x37}), KindData},
		{"empty data", NewData(1, 2, []byte{}), KindData},
		{"handshake", NewHandshake(4, 14, 0x8000), KindHandshake},
		{"select proto", NewSelectProto(3), KindSelectProto},
		{"data ack", NewDataAck(13), KindDataAck},
		{"knock", NewKnock([]byte("SN1"), []byte("AA:BB"), nil, []byte("w"), 0, 1), KindKnock},
		{"empty knock", NewKnock(nil, nil, nil, nil, 0, 1), KindGeneric},
		{"hangup", NewHangup(), KindGeneric},
		{"short handshake", &Packet{Command: CommandHandshake, Data: make([]byte, 7)}, KindGeneric},
		{"max payload", NewData(1, 2, make([]byte, MaxPayloadSize)), KindData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.p)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if len(b) != tt.p.Len() {
				t.Fatalf("encoded %d bytes, want %d", len(b), tt.p.Len())
			}
			got, err := Decode(b)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !got.Equal(tt.p) {
				t.Fatalf("Decode(Encode(p)) = %s, want %s", got, tt.p)
			}
			if Classify(got) != tt.kind || Classify(tt.p) != tt.kind {
				t.Fatalf("Classify() = %s / %s, want %s", Classify(got), Classify(tt.p), tt.kind)
			}

			streamed, err := ReadPacket(bytes.NewReader(b))
			if err != nil {
				t.Fatalf("ReadPacket() error = %v", err)
			}
			if !streamed.Equal(tt.p) {
				t.Fatalf("ReadPacket() = %s, want %s", streamed, tt.p)
			}
		})
	}
}

func TestWireLayout(t *testing.T) {
	b, err := Encode(NewData(0x0102, 0x0304, []byte{0xAA, 0xBB}))
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x00, 0x02, 0x01, 0x02, 0x03, 0x04, 0x00, 0x02, 0xAA, 0xBB}
	if !bytes.Equal(b, want) {
		t.Fatalf("Encode() = % x, want % x", b, want)
	}
}

func TestHandshakeView(t *testing.T) {
	p := &Packet{Command: CommandHandshake, Data: []byte{0x00, 0x04, 0x00, 0x0e, 0x00, 0x00, 0x80, 0x00}}
	h, ok := p.Handshake()
	if !ok {
		t.Fatalf("Handshake() not specialized for %s", p)
	}
	if h.Version() != 4 || h.InstanceID() != 14 || h.BufferSize() != 0x8000 {
		t.Fatalf("got version=%d instanceId=%d bufferSize=%#x", h.Version(), h.InstanceID(), h.BufferSize())
	}

	h.SetInstanceID(0x0102)
	if p.Data[2] != 0x01 || p.Data[3] != 0x02 {
		t.Fatalf("SetInstanceID did not write through: % x", p.Data)
	}
	if got := p.String(); !strings.Contains(got, "instanceId=258") {
		t.Fatalf("String() = %q", got)
	}
}

func TestClassifyByLength(t *testing.T) {
	tests := []struct {
		cmd  Command
		n    int
		want Kind
	}{
		{CommandHandshake, 8, KindHandshake},
		{CommandHandshake, 9, KindGeneric},
		{CommandHandshake, 0, KindGeneric},
		{CommandSelectProto, 2, KindSelectProto},
		{CommandSelectProto, 3, KindGeneric},
		{CommandDataAck, 4, KindDataAck},
		{CommandDataAck, 2, KindGeneric},
		{CommandKnock, 12, KindGeneric},
		{CommandKnock, 13, KindKnock},
		{CommandOpen, 0, KindOpen},
		{CommandClose, 0, KindClose},
		{CommandData, 100, KindData},
		{CommandAck, 4, KindGeneric},
		{CommandUnknown, 0, KindGeneric},
	}
	for _, tt := range tests {
		p := &Packet{Command: tt.cmd, Data: make([]byte, tt.n)}
		if got := Classify(p); got != tt.want {
			t.Errorf("Classify(%s, len %d) = %s, want %s", tt.cmd, tt.n, got, tt.want)
		}
	}
}

func TestKnockBlocks(t *testing.T) {
	serial := []byte("WBA123")
	bt := []byte("00:11:22:33:44:55")
	wifi := []byte{0x01, 0x02}
	b, err := Encode(NewKnock(serial, bt, nil, wifi, 7, 1))
	if err != nil {
		t.Fatal(err)
	}
	p, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	k, err := p.Knock()
	if err != nil {
		t.Fatalf("Knock() error = %v", err)
	}
	if !bytes.Equal(k.Serial, serial) || !bytes.Equal(k.BtAddr, bt) ||
		len(k.MacAddr) != 0 || !bytes.Equal(k.WifiAddr, wifi) {
		t.Fatalf("blocks = %q %q %q %q", k.Serial, k.BtAddr, k.MacAddr, k.WifiAddr)
	}
	if k.AppType != 7 || k.Param1 != 1 {
		t.Fatalf("appType=%d param1=%d", k.AppType, k.Param1)
	}
}

func TestKnockMalformed(t *testing.T) {
	// First block claims 200 bytes.
	p := &Packet{Command: CommandKnock, Data: append([]byte{0x00, 0xC8}, make([]byte, 12)...)}
	if _, err := p.Knock(); !errors.Is(err, ErrMalformedKnock) {
		t.Fatalf("Knock() error = %v, want ErrMalformedKnock", err)
	}
	if _, err := NewKnock(nil, nil, nil, nil, 0, 1).Knock(); !errors.Is(err, ErrMalformedKnock) {
		t.Fatalf("12-byte knock error = %v, want ErrMalformedKnock", err)
	}
}

func TestUnknownCommandIsLossy(t *testing.T) {
	raw := []byte{0x00, 0x63, 0x00, 0x01, 0x00, 0x02, 0x00, 0x00}
	p, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if p.Command != CommandUnknown {
		t.Fatalf("Command = %s, want UNKNOWN", p.Command)
	}
	b, _ := Encode(p)
	if b[1] != 0x00 {
		t.Fatalf("re-encoded command byte = %#x, want 0", b[1])
	}
}

func TestReadPacketShortPayload(t *testing.T) {
	raw := []byte{0x00, 0x02, 0x00, 0x01, 0x00, 0x02, 0x00, 0x0A, 1, 2, 3}
	_, err := ReadPacket(bytes.NewReader(raw))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("ReadPacket() error = %v, want ErrUnexpectedEOF", err)
	}
	if _, err := ReadPacket(bytes.NewReader(nil)); err != io.EOF {
		t.Fatalf("ReadPacket(empty) error = %v, want EOF", err)
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	if _, err := Decode([]byte{0, 2, 0, 1, 0, 2, 0, 5, 1}); err == nil {
		t.Fatal("Decode() accepted a payload shorter than declared")
	}
	if _, err := Decode([]byte{0, 2, 0}); err == nil {
		t.Fatal("Decode() accepted a short header")
	}
}

func TestEncodeTooLarge(t *testing.T) {
	_, err := Encode(NewData(1, 2, make([]byte, MaxPayloadSize+1)))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Encode() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestPacketWriterFlush(t *testing.T) {
	var buf bytes.Buffer
	w := NewPacketWriter(&buf)
	if err := w.WritePacket(NewHangup()); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() on unbuffered writer = %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Fatalf("wrote %d bytes, want %d", buf.Len(), HeaderSize)
	}
}
