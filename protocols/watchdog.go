// Package protocols holds the plugins started on an active BCL transport.
package protocols

import (
	"sync"
	"sync/atomic"
	"time"

	"dosgo/bclProxy/bcl"
	"dosgo/bclProxy/util"
)

const (
	WatchdogPort            = 5001
	DefaultWatchdogInterval = 5000 * time.Millisecond
	DefaultWatchdogTimeout  = 20000 * time.Millisecond
)

// WatchdogPing is written on the watchdog channel every interval.
var WatchdogPing = []byte{0x13, 0x37, 0x13, 0x37}

// Shutdowner is the part of the transport the watchdog needs.
type Shutdowner interface {
	Shutdown()
}

type rttRecorder interface {
	SetWatchdogRTT(time.Duration)
}

// WatchdogFactory opens the 5001:5001 keep-alive channel.
type WatchdogFactory struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (f WatchdogFactory) OnConnect(t *bcl.Transport, o bcl.Opener) (bcl.Protocol, error) {
	return StartWatchdog(t, o, f.Interval, f.Timeout)
}

// Watchdog pings the head unit and shuts the transport down when pongs stop
// arriving or the channel is closed by the peer.
type Watchdog struct {
	target   Shutdowner
	interval time.Duration
	timeout  time.Duration
	conn     *bcl.ProxyConnection

	lastPing atomic.Int64
	lastPong atomic.Int64
	fired    atomic.Bool

	// firing is set while the loop itself runs the shutdown.
	firing atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// StartWatchdog opens the channel and starts the ping loop. Zero durations
// select the defaults.
func StartWatchdog(target Shutdowner, o bcl.Opener, interval, timeout time.Duration) (*Watchdog, error) {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	if timeout <= 0 {
		timeout = DefaultWatchdogTimeout
	}
	w := &Watchdog{
		target:   target,
		interval: interval,
		timeout:  timeout,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.lastPong.Store(time.Now().UnixNano())

	conn, err := o.OpenFixed(WatchdogPort, WatchdogPort, watchdogListener{w})
	if err != nil {
		return nil, err
	}
	w.conn = conn
	go w.loop()
	return w, nil
}

func (w *Watchdog) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case now := <-ticker.C:
			if w.expired(now) {
				util.LogWarning("BCL watchdog: no pong for %s, shutting down", now.Sub(time.Unix(0, w.lastPong.Load())).Round(time.Millisecond))
				w.firing.Store(true)
				w.fire()
				return
			}
			w.lastPing.Store(now.UnixNano())
			if _, err := w.conn.Tunnel().Write(WatchdogPing); err != nil {
				util.LogWarning("BCL watchdog ping: %v", err)
			}
		}
	}
}

func (w *Watchdog) expired(now time.Time) bool {
	return now.Sub(time.Unix(0, w.lastPong.Load())) > w.timeout
}

// fire shuts the transport down at most once per watchdog.
func (w *Watchdog) fire() {
	if w.fired.CompareAndSwap(false, true) {
		w.target.Shutdown()
	}
}

func (w *Watchdog) pong() {
	now := time.Now()
	w.lastPong.Store(now.UnixNano())
	if ping := w.lastPing.Load(); ping != 0 {
		if r, ok := w.target.(rttRecorder); ok {
			r.SetWatchdogRTT(now.Sub(time.Unix(0, ping)))
		}
	}
}

// LastPong is the time the last byte arrived on the channel.
func (w *Watchdog) LastPong() time.Time {
	return time.Unix(0, w.lastPong.Load())
}

// Shutdown stops the ping loop and waits for it, so no ping follows. The
// channel itself is closed with the transport's other sub-connections.
func (w *Watchdog) Shutdown() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.firing.Load() {
		// Called back from the loop through the transport shutdown.
		return
	}
	<-w.done
}

// watchdogListener receives the head unit's side of the channel.
type watchdogListener struct{ w *Watchdog }

func (l watchdogListener) Write(b []byte) (int, error) {
	l.w.pong()
	return len(b), nil
}

func (l watchdogListener) Close() error {
	util.LogInfo("BCL watchdog channel closed")
	l.w.Shutdown()
	l.w.fire()
	return nil
}
