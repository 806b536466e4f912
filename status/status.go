// Package status serves the tunnel state over HTTP. /state and /report return
// JSON snapshots and /ws pushes a snapshot on every state change and every
// PushInterval.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"dosgo/bclProxy/bcl"
	"dosgo/bclProxy/util"
)

const PushInterval = 500 * time.Millisecond

// Source is implemented by tunnel.Runner.
type Source interface {
	States() *bcl.StateStore
	Report() (bcl.Report, bool)
}

// Snapshot is the /ws message body.
type Snapshot struct {
	State  bcl.ConnectionState `json:"state"`
	Report *bcl.Report         `json:"report,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	src      Source
	listener net.Listener
	http     *http.Server
}

func NewServer(src Source) *Server {
	return &Server{src: src}
}

func (s *Server) snapshot() Snapshot {
	snap := Snapshot{State: s.src.States().Get()}
	if r, ok := s.src.Report(); ok {
		snap.Report = &r
	}
	return snap
}

// Handler routes the three endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("status: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogWarning("status server: %v", err)
		}
	}()
	util.LogInfo("status endpoint on http://%s", listener.Addr())
	return listener.Addr(), nil
}

func (s *Server) Close() error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		util.LogDebug("status: encode: %v", err)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.src.States().Get())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.src.Report()
	if !ok {
		http.Error(w, "no session yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, rep)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// The read side only notices the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	changes, cancel := s.src.States().Subscribe()
	defer cancel()
	ticker := time.NewTicker(PushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-changes:
		case <-ticker.C:
		}
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteJSON(s.snapshot()); err != nil {
			util.LogDebug("status ws %s: %v", r.RemoteAddr, err)
			return
		}
	}
}
