package bcl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

var ErrPayloadTooLarge = errors.New("bcl: payload exceeds 65535 bytes")

func putHeader(hdr []byte, p *Packet) {
	binary.BigEndian.PutUint16(hdr[0:2], uint16(p.Command))
	binary.BigEndian.PutUint16(hdr[2:4], p.Src)
	binary.BigEndian.PutUint16(hdr[4:6], p.Dest)
	binary.BigEndian.PutUint16(hdr[6:8], uint16(len(p.Data)))
}

// Encode returns the wire bytes of p.
func Encode(p *Packet) ([]byte, error) {
	if len(p.Data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderSize+len(p.Data))
	putHeader(buf, p)
	copy(buf[HeaderSize:], p.Data)
	return buf, nil
}

// Decode parses exactly one packet from b. The payload aliases b.
func Decode(b []byte) (*Packet, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("bcl: short header: %d bytes", len(b))
	}
	n := int(binary.BigEndian.Uint16(b[6:8]))
	if len(b) != HeaderSize+n {
		return nil, fmt.Errorf("bcl: declared payload %d, have %d bytes", n, len(b)-HeaderSize)
	}
	return &Packet{
		Command: CommandFromWire(binary.BigEndian.Uint16(b[0:2])),
		Src:     binary.BigEndian.Uint16(b[2:4]),
		Dest:    binary.BigEndian.Uint16(b[4:6]),
		Data:    b[HeaderSize:],
	}, nil
}

// ReadPacket reads one frame: the 8-byte header, then exactly the declared
// payload. A stream closing mid-frame yields io.ErrUnexpectedEOF.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[6:8])
	p := &Packet{
		Command: CommandFromWire(binary.BigEndian.Uint16(hdr[0:2])),
		Src:     binary.BigEndian.Uint16(hdr[2:4]),
		Dest:    binary.BigEndian.Uint16(hdr[4:6]),
		Data:    make([]byte, n),
	}
	if _, err := io.ReadFull(r, p.Data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("bcl: reading %s payload: %w", p.Command, err)
	}
	return p, nil
}

// WritePacket writes p as a single Write call.
func WritePacket(w io.Writer, p *Packet) error {
	buf, err := Encode(p)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// PacketWriter serializes frames onto one output stream so that concurrent
// writers never interleave a header with another frame's payload.
type PacketWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPacketWriter(w io.Writer) *PacketWriter {
	return &PacketWriter{w: w}
}

func (pw *PacketWriter) WritePacket(p *Packet) error {
	buf, err := Encode(p)
	if err != nil {
		return err
	}
	pw.mu.Lock()
	defer pw.mu.Unlock()
	_, err = pw.w.Write(buf)
	return err
}

// Write sends raw bytes under the frame lock. Used for the session-init probe.
func (pw *PacketWriter) Write(b []byte) (int, error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.w.Write(b)
}

type flusher interface {
	Flush() error
}

// Flush flushes the underlying writer if it buffers.
func (pw *PacketWriter) Flush() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if f, ok := pw.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}
