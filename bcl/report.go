package bcl

import (
	"fmt"
	"time"

	"dosgo/bclProxy/util"
)

// Report is a point-in-time snapshot of a transport.
type Report struct {
	StartTimestamp     time.Time     `json:"startTimestamp"`
	BytesRead          int64         `json:"bytesRead"`
	BytesWritten       int64         `json:"bytesWritten"`
	OpenConnections    int           `json:"openConnectionCount"`
	InstanceID         int           `json:"instanceId"`
	WatchdogRTT        time.Duration `json:"watchdogRtt"`
	HeadUnitBufferSize int64         `json:"headUnitBufferSize"`
	RemainingAckBytes  int64         `json:"remainingAckBytes"`
	State              string        `json:"stateLabel"`
}

func (r Report) String() string {
	return fmt.Sprintf("%s up %s read %s written %s conns %d instance %d rtt %s unacked %d",
		r.State,
		util.FormatUptime(time.Since(r.StartTimestamp)),
		util.FormatBytes(float64(r.BytesRead)),
		util.FormatBytes(float64(r.BytesWritten)),
		r.OpenConnections, r.InstanceID, r.WatchdogRTT, r.RemainingAckBytes)
}

// Report collects the counters. InstanceID and HeadUnitBufferSize are -1
// until a handshake has been received.
func (t *Transport) Report() Report {
	r := Report{
		StartTimestamp:     t.start,
		BytesRead:          t.bytesRead.Load(),
		BytesWritten:       t.bytesWritten.Load(),
		OpenConnections:    int(t.openConns.Load()),
		InstanceID:         -1,
		WatchdogRTT:        time.Duration(t.watchdogRTT.Load()),
		HeadUnitBufferSize: -1,
		RemainingAckBytes:  max(t.unacked.Load(), 0),
		State:              t.states.Get().Bcl.ReportLabel(),
	}
	if h, ok := t.Handshake(); ok {
		r.InstanceID = int(h.InstanceID())
		r.HeadUnitBufferSize = int64(h.BufferSize())
	}
	return r
}
