package protocols

import (
	"sync"
	"time"

	"dosgo/bclProxy/bcl"
	"dosgo/bclProxy/util"
)

const DefaultReportInterval = 10 * time.Second

// ReportFactory publishes the transport report on a fixed cadence. Publish
// defaults to an info log line.
type ReportFactory struct {
	Interval time.Duration
	Publish  func(bcl.Report)
}

func (f ReportFactory) OnConnect(t *bcl.Transport, _ bcl.Opener) (bcl.Protocol, error) {
	return StartReporter(t.Report, f.Interval, f.Publish), nil
}

// Reporter is the running report publisher.
type Reporter struct {
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

func logReport(r bcl.Report) {
	util.LogInfo("BCL %s", r)
}

func StartReporter(snapshot func() bcl.Report, interval time.Duration, publish func(bcl.Report)) *Reporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	if publish == nil {
		publish = logReport
	}
	r := &Reporter{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				publish(snapshot())
			}
		}
	}()
	return r
}

// Shutdown stops the ticker and waits for an in-flight publish.
func (r *Reporter) Shutdown() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}
