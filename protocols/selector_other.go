//go:build !unix

package protocols

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"dosgo/bclProxy/bcl"
	"dosgo/bclProxy/util"
)

// selector falls back to one reader goroutine per client where poll(2) is
// unavailable. The accept loop wakes every second to check for stop.
type selector struct {
	ln   *net.TCPListener
	open func(*net.TCPConn, io.WriteCloser) (*bcl.ProxyConnection, error)

	mu      sync.Mutex
	clients map[*net.TCPConn]*bcl.ProxyConnection
	quit    chan struct{}
	done    chan struct{}
}

type clientSink struct {
	conn *net.TCPConn
}

func (s clientSink) Write(b []byte) (int, error) { return s.conn.Write(b) }
func (s clientSink) Close() error                { return s.conn.Close() }

func newSelector(ln *net.TCPListener, open func(*net.TCPConn, io.WriteCloser) (*bcl.ProxyConnection, error)) (*selector, error) {
	return &selector{
		ln:      ln,
		open:    open,
		clients: make(map[*net.TCPConn]*bcl.ProxyConnection),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

func (s *selector) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.mu.Lock()
			conns := make([]*bcl.ProxyConnection, 0, len(s.clients))
			for _, pc := range s.clients {
				conns = append(conns, pc)
			}
			s.mu.Unlock()
			for _, pc := range conns {
				pc.Close()
			}
			return
		default:
		}
		s.ln.SetDeadline(time.Now().Add(1 * time.Second))
		conn, err := s.ln.AcceptTCP()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			util.LogWarning("TCP proxy accept: %v", err)
			continue
		}
		pc, err := s.open(conn, clientSink{conn})
		if err != nil {
			util.LogWarning("TCP proxy: opening sub-connection for %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}
		s.mu.Lock()
		s.clients[conn] = pc
		s.mu.Unlock()
		go s.pump(conn, pc)
	}
}

func (s *selector) pump(conn *net.TCPConn, pc *bcl.ProxyConnection) {
	buf := make([]byte, clientBufferSize)
	_, err := io.CopyBuffer(pc.Tunnel(), conn, buf)
	if err != nil {
		util.LogInfo("TCP proxy client %s: %v", conn.RemoteAddr(), err)
	}
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	pc.Close()
}

func (s *selector) stop() {
	close(s.quit)
	<-s.done
}
