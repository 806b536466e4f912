// Package tunnel runs BCL sessions: open the link, handshake, start the
// plugins, dispatch until the session ends, and start over.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"dosgo/bclProxy/bcl"
	"dosgo/bclProxy/comm"
	"dosgo/bclProxy/protocols"
	"dosgo/bclProxy/util"
)

type Options struct {
	Link comm.LinkConfig
	// Dial overrides Link when set.
	Dial    func(ctx context.Context) (io.ReadWriteCloser, error)
	Proxies []comm.ProxyConfig

	InitInterval     time.Duration
	WatchdogInterval time.Duration
	WatchdogTimeout  time.Duration
	ConnectRetries   int
	RetryDelay       time.Duration
	// ReportInterval 0 disables the periodic report log.
	ReportInterval time.Duration
}

// OptionsFromConfig maps the file/flag configuration onto runner options.
func OptionsFromConfig(cfg *comm.Config) Options {
	return Options{
		Link:             cfg.Link,
		Proxies:          cfg.Proxies,
		InitInterval:     cfg.InitInterval(),
		WatchdogInterval: cfg.WatchdogInterval(),
		WatchdogTimeout:  cfg.WatchdogTimeout(),
		ConnectRetries:   cfg.ConnectRetries,
		RetryDelay:       cfg.RetryDelay(),
		ReportInterval:   cfg.ReportInterval(),
	}
}

// Runner owns the state store shared by successive sessions.
type Runner struct {
	opts   Options
	states *bcl.StateStore

	mu      sync.Mutex
	current *bcl.Transport
}

func NewRunner(opts Options) *Runner {
	if opts.ConnectRetries <= 0 {
		opts.ConnectRetries = 1
	}
	if opts.Dial == nil {
		link := opts.Link
		opts.Dial = func(ctx context.Context) (io.ReadWriteCloser, error) {
			return comm.Dial(ctx, link)
		}
	}
	return &Runner{opts: opts, states: bcl.NewStateStore()}
}

func (r *Runner) States() *bcl.StateStore { return r.states }

// Report returns the snapshot of the current or last session.
func (r *Runner) Report() (bcl.Report, bool) {
	r.mu.Lock()
	t := r.current
	r.mu.Unlock()
	if t == nil {
		return bcl.Report{}, false
	}
	return t.Report(), true
}

// Run keeps starting sessions until ctx is done. A failed session is dropped
// whole and retried after RetryDelay.
func (r *Runner) Run(ctx context.Context) error {
	for {
		err := r.RunSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			util.LogWarning("BCL session ended: %v", err)
		} else {
			util.LogInfo("BCL session ended")
		}
		if !sleep(ctx, r.opts.RetryDelay) {
			return nil
		}
	}
}

// RunSession runs one link from dial to teardown.
func (r *Runner) RunSession(ctx context.Context) error {
	link, err := r.dial(ctx)
	if err != nil {
		return err
	}
	r.states.SetTransport(bcl.TransportActive)
	defer r.states.SetTransport(bcl.TransportWaiting)

	var closeOnce sync.Once
	closeLink := func() {
		closeOnce.Do(func() {
			if err := link.Close(); err != nil {
				util.LogDebug("link close: %v", err)
			}
		})
	}
	defer closeLink()

	t := bcl.NewTransport(link, r.states)
	if r.opts.InitInterval > 0 {
		t.InitInterval = r.opts.InitInterval
	}
	r.mu.Lock()
	r.current = t
	r.mu.Unlock()

	// Cancellation shuts the session down; a finished shutdown releases the
	// blocked read by closing the link.
	stop := context.AfterFunc(ctx, func() {
		t.Shutdown()
		closeLink()
	})
	defer stop()
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-t.Done():
			closeLink()
		case <-ctx.Done():
		case <-sessionDone:
		}
	}()

	if err := t.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect: %w", err)
	}
	util.LogInfo("BCL session active")

	m := bcl.NewMultiplexer(t, r.factories()...)
	if err := m.Run(); err != nil {
		if ctx.Err() != nil || errors.Is(err, bcl.ErrShutdown) {
			return nil
		}
		return err
	}
	return nil
}

// factories lists the plugins. The watchdog always comes first.
func (r *Runner) factories() []bcl.ProtocolFactory {
	fs := []bcl.ProtocolFactory{
		protocols.WatchdogFactory{Interval: r.opts.WatchdogInterval, Timeout: r.opts.WatchdogTimeout},
	}
	for _, p := range r.opts.Proxies {
		fs = append(fs, protocols.TCPProxyFactory{Listen: p.Listen, DestPort: p.DestPort})
	}
	if r.opts.ReportInterval > 0 {
		fs = append(fs, protocols.ReportFactory{Interval: r.opts.ReportInterval})
	}
	return fs
}

func (r *Runner) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.ConnectRetries; attempt++ {
		r.states.SetTransport(bcl.TransportOpening)
		link, err := r.opts.Dial(ctx)
		if err == nil {
			return link, nil
		}
		lastErr = err
		r.states.SetTransport(bcl.TransportFailed)
		util.LogWarning("link attempt %d/%d: %v", attempt, r.opts.ConnectRetries, err)
		if attempt < r.opts.ConnectRetries && !sleep(ctx, r.opts.RetryDelay) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("link: %d attempts failed: %w", r.opts.ConnectRetries, lastErr)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
