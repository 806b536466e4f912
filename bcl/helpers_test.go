package bcl

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
)

// recorder is a write-only link that keeps every byte written to it.
type recorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *recorder) Read(p []byte) (int, error) { return 0, io.EOF }

func (r *recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.buf.Reset()
	r.mu.Unlock()
}

// packets decodes everything written so far.
func (r *recorder) packets(t *testing.T) []*Packet {
	t.Helper()
	r.mu.Lock()
	data := append([]byte(nil), r.buf.Bytes()...)
	r.mu.Unlock()
	rd := bytes.NewReader(data)
	var out []*Packet
	for rd.Len() > 0 {
		p, err := ReadPacket(rd)
		if err != nil {
			t.Fatalf("decoding written frames: %v", err)
		}
		out = append(out, p)
	}
	return out
}

// memSink stands in for a local client.
type memSink struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	closed  int
	failErr error
}

func (s *memSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return 0, s.failErr
	}
	return s.buf.Write(p)
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *memSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *memSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var errBrokenPipe = errors.New("broken pipe")

func countCommand(ps []*Packet, c Command) int {
	n := 0
	for _, p := range ps {
		if p.Command == c {
			n++
		}
	}
	return n
}
