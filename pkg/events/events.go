package events

import (
	"fmt"
	"log/syslog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/openshift/ingress-node-acl/pkg/rules"
	"github.com/openshift/ingress-node-acl/pkg/utils"
)

// DefaultSyslogAddress is where the syslog sidecar listens.
const DefaultSyslogAddress = "/var/run/syslog"

// Event describes a dropped packet.
type Event struct {
	Tuple     rules.Tuple
	Length    int
	Interface string
}

func (e Event) String() string {
	return fmt.Sprintf("drop %s %s:%d -> %s:%d len=%d if=%s",
		utils.ProtocolName(e.Tuple.Protocol),
		rules.Prefix{Addr: e.Tuple.Source, Len: 32}.String(), e.Tuple.SourcePort,
		rules.Prefix{Addr: e.Tuple.Destination, Len: 32}.String(), e.Tuple.DestinationPort,
		e.Length, e.Interface)
}

// Recorder receives drop events from packet workers. Implementations must be safe for concurrent
// use and must not block.
type Recorder interface {
	RecordDrop(ev Event)
}

type syslogWriter interface {
	Warning(m string) error
	Close() error
}

// SyslogRecorder writes drop events to syslog, at most perSecond events per second with bursts of
// up to burst. Events over the limit are counted and reported with the next event written.
type SyslogRecorder struct {
	w          syslogWriter
	limiter    *rate.Limiter
	node       string
	suppressed atomic.Uint64
}

// NewSyslogRecorder connects to the syslog socket at addr. Events are tagged with nodeName.
func NewSyslogRecorder(addr, nodeName string, perSecond float64, burst int) (*SyslogRecorder, error) {
	w, err := syslog.Dial("unixgram", addr, syslog.LOG_WARNING|syslog.LOG_DAEMON, "ingress-node-acl")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog at %s: %w", addr, err)
	}
	return newSyslogRecorder(w, nodeName, perSecond, burst), nil
}

func newSyslogRecorder(w syslogWriter, nodeName string, perSecond float64, burst int) *SyslogRecorder {
	return &SyslogRecorder{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		node:    nodeName,
	}
}

// RecordDrop implements Recorder.
func (r *SyslogRecorder) RecordDrop(ev Event) {
	if !r.limiter.Allow() {
		r.suppressed.Add(1)
		return
	}
	msg := ev.String()
	if r.node != "" {
		msg = "node=" + r.node + " " + msg
	}
	if n := r.suppressed.Swap(0); n > 0 {
		msg = fmt.Sprintf("%s (%d more suppressed)", msg, n)
	}
	// Event delivery is best effort.
	_ = r.w.Warning(msg)
}

// Suppressed returns the number of events dropped by the rate limit and not reported yet.
func (r *SyslogRecorder) Suppressed() uint64 {
	return r.suppressed.Load()
}

func (r *SyslogRecorder) Close() error {
	return r.w.Close()
}
