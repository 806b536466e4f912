package bcl

import (
	"errors"
	"sync"
)

var ErrStreamClosed = errors.New("bcl: stream closed")

// PacketSender is anything that can put a frame on the link.
type PacketSender interface {
	WritePacket(p *Packet) error
}

// Stream is the tunnel-bound side of a sub-connection: writes become DATA
// frames tagged with the port pair, Close becomes a single CLOSE frame.
type Stream struct {
	src, dest uint16
	out       PacketSender

	// writeMu keeps a multi-frame Write and the CLOSE frame from interleaving.
	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	detached bool
}

func NewStream(out PacketSender, src, dest uint16) *Stream {
	return &Stream{src: src, dest: dest, out: out}
}

// Write splits b into DATA frames of at most MaxPayloadSize bytes.
func (s *Stream) Write(b []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrStreamClosed
	}
	written := 0
	for len(b) > 0 {
		n := min(len(b), MaxPayloadSize)
		if err := s.out.WritePacket(NewData(s.src, s.dest, b[:n])); err != nil {
			return written, err
		}
		written += n
		b = b[n:]
	}
	return written, nil
}

// Close sends CLOSE for the pair once, after any Write in progress. Later
// calls are no-ops.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	detached := s.detached
	s.mu.Unlock()
	if detached {
		return nil
	}
	return s.out.WritePacket(NewClose(s.src, s.dest))
}

// detach makes Close skip the CLOSE frame. Used when the peer closed first.
func (s *Stream) detach() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
}
