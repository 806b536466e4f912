//go:build unix

package protocols

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"dosgo/bclProxy/bcl"
	"dosgo/bclProxy/util"
)

const pollTimeoutMs = 250

// selector drives the listener and every client socket from one goroutine
// with poll(2). Sub-connection writes to the clients happen on the transport
// read goroutine; closes are handed back to the loop through the wake pipe so
// an fd is never closed while it sits in a poll set.
type selector struct {
	ln    *net.TCPListener
	lnFD  int
	open  func(*net.TCPConn, io.WriteCloser) (*bcl.ProxyConnection, error)
	wakeR int
	wakeW int

	mu      sync.Mutex
	stopped bool
	pending []*client

	clients map[int]*client
	quit    chan struct{}
	done    chan struct{}
}

type client struct {
	conn *net.TCPConn
	raw  syscall.RawConn
	fd   int
	pc   *bcl.ProxyConnection
	sink *clientSink
}

// clientSink is the local-client side handed to the multiplexer.
type clientSink struct {
	c   *client
	sel *selector
}

func (s *clientSink) Write(b []byte) (int, error) { return s.c.conn.Write(b) }

func (s *clientSink) Close() error {
	s.sel.queueClose(s.c)
	return nil
}

func rawFD(rc syscall.RawConn) (int, error) {
	fd := -1
	err := rc.Control(func(f uintptr) { fd = int(f) })
	return fd, err
}

func newSelector(ln *net.TCPListener, open func(*net.TCPConn, io.WriteCloser) (*bcl.ProxyConnection, error)) (*selector, error) {
	rc, err := ln.SyscallConn()
	if err != nil {
		return nil, err
	}
	lnFD, err := rawFD(rc)
	if err != nil {
		return nil, err
	}
	p, err := wakePipe()
	if err != nil {
		return nil, err
	}
	return &selector{
		ln:      ln,
		lnFD:    lnFD,
		open:    open,
		wakeR:   p[0],
		wakeW:   p[1],
		clients: make(map[int]*client),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// wakePipe returns a non-blocking, close-on-exec pipe. Pipe2 is missing on
// darwin, so the flags are set after the fact.
func wakePipe() ([2]int, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return p, err
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return p, err
		}
	}
	return p, nil
}

// wakeLocked must be called with s.mu held; the pipe is closed once stopped.
func (s *selector) wakeLocked() {
	if !s.stopped {
		unix.Write(s.wakeW, []byte{0})
	}
}

func (s *selector) queueClose(c *client) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		c.conn.Close()
		return
	}
	s.pending = append(s.pending, c)
	s.wakeLocked()
	s.mu.Unlock()
}

func (s *selector) drainPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, c := range pending {
		delete(s.clients, c.fd)
		c.conn.Close()
	}
}

func (s *selector) run() {
	defer close(s.done)
	defer s.finish()

	buf := make([]byte, clientBufferSize)
	wakeBuf := make([]byte, 64)
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		fds := make([]unix.PollFd, 0, 2+len(s.clients))
		fds = append(fds,
			unix.PollFd{Fd: int32(s.wakeR), Events: unix.POLLIN},
			unix.PollFd{Fd: int32(s.lnFD), Events: unix.POLLIN})
		for fd := range s.clients {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}

		n, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			util.LogError("TCP proxy poll: %v", err)
			return
		}
		if n == 0 {
			continue
		}

		if fds[0].Revents != 0 {
			for {
				if k, _ := unix.Read(s.wakeR, wakeBuf); k <= 0 {
					break
				}
			}
			s.drainPending()
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			s.accept()
		}
		for _, pfd := range fds[2:] {
			if pfd.Revents == 0 {
				continue
			}
			if c, ok := s.clients[int(pfd.Fd)]; ok {
				s.service(c, buf)
			}
		}
		s.drainPending()
	}
}

func (s *selector) accept() {
	s.ln.SetDeadline(time.Now().Add(10 * time.Millisecond))
	conn, err := s.ln.AcceptTCP()
	if err != nil {
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			util.LogWarning("TCP proxy accept: %v", err)
		}
		return
	}
	rc, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return
	}
	fd, err := rawFD(rc)
	if err != nil {
		conn.Close()
		return
	}
	c := &client{conn: conn, raw: rc, fd: fd}
	c.sink = &clientSink{c: c, sel: s}
	pc, err := s.open(conn, c.sink)
	if err != nil {
		util.LogWarning("TCP proxy: opening sub-connection for %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	c.pc = pc
	s.clients[fd] = c
}

// service moves one chunk from the client into its sub-connection. EOF or an
// error closes the sub-connection, which sends CLOSE upstream.
func (s *selector) service(c *client, buf []byte) {
	var n int
	var rerr error
	err := c.raw.Read(func(fd uintptr) bool {
		n, rerr = unix.Read(int(fd), buf)
		return true
	})
	if err == nil {
		err = rerr
	}
	if n < 0 {
		n = 0
	}
	if errors.Is(err, unix.EAGAIN) {
		return
	}
	if n > 0 {
		_, err = c.pc.Tunnel().Write(buf[:n])
		if err == nil {
			return
		}
	}
	if err != nil {
		util.LogInfo("TCP proxy client %s: %v", c.conn.RemoteAddr(), err)
	} else {
		util.LogInfo("TCP proxy client %s disconnected", c.conn.RemoteAddr())
	}
	// Drop the fd from the poll set now; the sink close queues the socket close.
	delete(s.clients, c.fd)
	c.pc.Close()
}

// finish runs on the loop goroutine after it stops. Remaining clients are
// closed through their sub-connections.
func (s *selector) finish() {
	s.mu.Lock()
	s.stopped = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, c := range pending {
		delete(s.clients, c.fd)
		c.conn.Close()
	}
	for _, c := range s.clients {
		c.pc.Close()
	}
	s.clients = nil

	s.mu.Lock()
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
	s.mu.Unlock()
}

func (s *selector) stop() {
	close(s.quit)
	s.mu.Lock()
	s.wakeLocked()
	s.mu.Unlock()
	<-s.done
}
