package bcl

import (
	"fmt"
	"sync"
)

// TransportState tracks the physical link.
type TransportState int

const (
	TransportWaiting TransportState = iota
	TransportSearching
	TransportOpening
	TransportActive
	TransportFailed
)

func (s TransportState) String() string {
	switch s {
	case TransportWaiting:
		return "WAITING"
	case TransportSearching:
		return "SEARCHING"
	case TransportOpening:
		return "OPENING"
	case TransportActive:
		return "ACTIVE"
	case TransportFailed:
		return "FAILED"
	}
	return fmt.Sprintf("TransportState(%d)", int(s))
}

func (s TransportState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// BclState tracks the protocol session on top of the link.
type BclState int

const (
	BclWaiting BclState = iota
	BclOpening
	BclFailed
	BclInitializing
	BclNegotiating
	BclActive
	BclShutdown
)

func (s BclState) String() string {
	switch s {
	case BclWaiting:
		return "WAITING"
	case BclOpening:
		return "OPENING"
	case BclFailed:
		return "FAILED"
	case BclInitializing:
		return "INITIALIZING"
	case BclNegotiating:
		return "NEGOTIATING"
	case BclActive:
		return "ACTIVE"
	case BclShutdown:
		return "SHUTDOWN"
	}
	return fmt.Sprintf("BclState(%d)", int(s))
}

func (s BclState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ReportLabel is the state name used in connection reports.
func (s BclState) ReportLabel() string {
	switch s {
	case BclOpening:
		return "SESSION_INIT_BYTES_SEND"
	case BclInitializing:
		return "GOT_HANDSHAKE"
	case BclNegotiating:
		return "SELECT_PROTOCOL"
	case BclFailed:
		return "HANDSHAKE_FAILED"
	case BclActive:
		return "WORKING"
	case BclShutdown:
		return "DETACHED"
	}
	return "UNKNOWN"
}

// ProxyState tracks the local TCP listener.
type ProxyState int

const (
	ProxyWaiting ProxyState = iota
	ProxyActive
	ProxyFailed
)

func (s ProxyState) String() string {
	switch s {
	case ProxyWaiting:
		return "WAITING"
	case ProxyActive:
		return "ACTIVE"
	case ProxyFailed:
		return "FAILED"
	}
	return fmt.Sprintf("ProxyState(%d)", int(s))
}

func (s ProxyState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ConnectionState is the composite published to observers.
type ConnectionState struct {
	Transport TransportState `json:"transportState"`
	Bcl       BclState       `json:"bclState"`
	Proxy     ProxyState     `json:"proxyState"`
}

func (c ConnectionState) String() string {
	return fmt.Sprintf("transport=%s bcl=%s proxy=%s", c.Transport, c.Bcl, c.Proxy)
}

// StateStore holds the composite state and publishes a snapshot on every
// write to any axis. Subscribers see only the latest value if they fall
// behind.
type StateStore struct {
	mu     sync.Mutex
	state  ConnectionState
	nextID int
	subs   map[int]chan ConnectionState
}

func NewStateStore() *StateStore {
	return &StateStore{subs: make(map[int]chan ConnectionState)}
}

func (s *StateStore) Get() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StateStore) SetTransport(v TransportState) {
	s.update(func(c *ConnectionState) { c.Transport = v })
}

func (s *StateStore) SetBcl(v BclState) {
	s.update(func(c *ConnectionState) { c.Bcl = v })
}

func (s *StateStore) SetProxy(v ProxyState) {
	s.update(func(c *ConnectionState) { c.Proxy = v })
}

func (s *StateStore) update(f func(*ConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(&s.state)
	for _, ch := range s.subs {
		publish(ch, s.state)
	}
}

// publish replaces any unread value so the channel always holds the newest.
func publish(ch chan ConnectionState, v ConnectionState) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe returns a channel primed with the current state. The cancel func
// unregisters and closes the channel.
func (s *StateStore) Subscribe() (<-chan ConnectionState, func()) {
	ch := make(chan ConnectionState, 1)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.state
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}
