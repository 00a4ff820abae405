package packet

import (
	"sync/atomic"

	"github.com/google/gopacket"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/openshift/ingress-node-acl/pkg/acl"
	"github.com/openshift/ingress-node-acl/pkg/events"
	"github.com/openshift/ingress-node-acl/pkg/metrics"
	"github.com/openshift/ingress-node-acl/pkg/rules"
)

// Frame is a captured link layer frame.
type Frame struct {
	Data        []byte
	CaptureInfo gopacket.CaptureInfo
}

func (f Frame) length() uint64 {
	if f.CaptureInfo.Length > 0 {
		return uint64(f.CaptureInfo.Length)
	}
	return uint64(len(f.Data))
}

// Sink receives every frame once a verdict is known.
type Sink interface {
	// Emit forwards an allowed frame.
	Emit(f Frame) error
	// Drop discards a frame.
	Drop(f Frame)
}

// Worker classifies batches of frames against an engine. A worker owns its scratch space and must be
// used from a single goroutine; its counters may be read from any goroutine.
type Worker struct {
	engine    *acl.Engine
	extractor *Extractor
	recorder  events.Recorder
	iface     string

	batch acl.Batch
	// slot[i] is the position in the batch of frame i, or -1 if the frame could not be parsed.
	slot [acl.MaxBurst]int

	allowPackets atomic.Uint64
	allowBytes   atomic.Uint64
	denyPackets  atomic.Uint64
	denyBytes    atomic.Uint64
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithRecorder reports dropped frames to r.
func WithRecorder(r events.Recorder) WorkerOption {
	return func(w *Worker) {
		w.recorder = r
	}
}

// WithInterface names the interface the worker's frames come from, for events.
func WithInterface(name string) WorkerOption {
	return func(w *Worker) {
		w.iface = name
	}
}

// NewWorker returns a worker classifying with engine.
func NewWorker(engine *acl.Engine, extractor *Extractor, opts ...WorkerOption) *Worker {
	w := &Worker{engine: engine, extractor: extractor}
	for _, o := range opts {
		o(w)
	}
	return w
}

// ProcessBatch classifies frames and hands each to sink, in order. Frames that are not IPv4 are
// dropped. Batches larger than acl.MaxBurst are processed in chunks.
func (w *Worker) ProcessBatch(frames []Frame, sink Sink) error {
	var errs []error
	for len(frames) > 0 {
		n := len(frames)
		if n > acl.MaxBurst {
			n = acl.MaxBurst
		}
		if err := w.processBurst(frames[:n], sink); err != nil {
			errs = append(errs, err)
		}
		frames = frames[n:]
	}
	return utilerrors.NewAggregate(errs)
}

func (w *Worker) processBurst(frames []Frame, sink Sink) error {
	w.batch.Reset()
	for i := range frames {
		t, ok := w.extractor.Extract(frames[i].Data)
		if !ok {
			w.slot[i] = -1
			continue
		}
		w.slot[i] = w.batch.Len()
		w.batch.Push(t)
	}
	actions := w.batch.Classify(w.engine)
	tuples := w.batch.Tuples()

	var errs []error
	for i := range frames {
		f := frames[i]
		s := w.slot[i]
		if s >= 0 && actions[s] == rules.Allow {
			w.allowPackets.Add(1)
			w.allowBytes.Add(f.length())
			if err := sink.Emit(f); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		w.denyPackets.Add(1)
		w.denyBytes.Add(f.length())
		if s >= 0 && w.recorder != nil {
			w.recorder.RecordDrop(events.Event{Tuple: tuples[s], Length: int(f.length()), Interface: w.iface})
		}
		sink.Drop(f)
	}
	return utilerrors.NewAggregate(errs)
}

// Counters implements metrics.CounterSource.
func (w *Worker) Counters() metrics.Counters {
	return metrics.Counters{
		AllowPackets: w.allowPackets.Load(),
		AllowBytes:   w.allowBytes.Load(),
		DenyPackets:  w.denyPackets.Load(),
		DenyBytes:    w.denyBytes.Load(),
	}
}

// ResetCounters implements metrics.CounterSource.
func (w *Worker) ResetCounters() {
	w.allowPackets.Store(0)
	w.allowBytes.Store(0)
	w.denyPackets.Store(0)
	w.denyBytes.Store(0)
}
