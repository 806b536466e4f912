package bcl

import (
	"encoding/json"
	"testing"
)

func TestStateStorePublishesComposite(t *testing.T) {
	s := NewStateStore()
	ch, cancel := s.Subscribe()
	defer cancel()

	if got := <-ch; got != (ConnectionState{}) {
		t.Fatalf("initial state = %s", got)
	}
	s.SetTransport(TransportActive)
	if got := <-ch; got.Transport != TransportActive {
		t.Fatalf("after SetTransport = %s", got)
	}
	s.SetBcl(BclActive)
	got := <-ch
	if got.Transport != TransportActive || got.Bcl != BclActive || got.Proxy != ProxyWaiting {
		t.Fatalf("after SetBcl = %s", got)
	}
}

func TestStateStoreLatestWins(t *testing.T) {
	s := NewStateStore()
	ch, cancel := s.Subscribe()
	defer cancel()
	<-ch

	s.SetBcl(BclOpening)
	s.SetBcl(BclInitializing)
	s.SetProxy(ProxyFailed)

	got := <-ch
	want := ConnectionState{Bcl: BclInitializing, Proxy: ProxyFailed}
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
	select {
	case extra := <-ch:
		t.Fatalf("stale value %s still queued", extra)
	default:
	}
}

func TestStateStoreCancel(t *testing.T) {
	s := NewStateStore()
	ch, cancel := s.Subscribe()
	<-ch
	cancel()
	cancel()
	s.SetBcl(BclActive)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
}

func TestReportLabels(t *testing.T) {
	tests := map[BclState]string{
		BclWaiting:      "UNKNOWN",
		BclOpening:      "SESSION_INIT_BYTES_SEND",
		BclInitializing: "GOT_HANDSHAKE",
		BclNegotiating:  "SELECT_PROTOCOL",
		BclFailed:       "HANDSHAKE_FAILED",
		BclActive:       "WORKING",
		BclShutdown:     "DETACHED",
	}
	for state, want := range tests {
		if got := state.ReportLabel(); got != want {
			t.Errorf("%s.ReportLabel() = %s, want %s", state, got, want)
		}
	}
}

func TestConnectionStateJSON(t *testing.T) {
	b, err := json.Marshal(ConnectionState{Transport: TransportOpening, Bcl: BclNegotiating, Proxy: ProxyActive})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"transportState":"OPENING","bclState":"NEGOTIATING","proxyState":"ACTIVE"}`
	if string(b) != want {
		t.Fatalf("json = %s, want %s", b, want)
	}
}
