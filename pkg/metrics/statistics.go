package metrics

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/util/wait"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
	controllerruntimemetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var metricAllowCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricINANamespace,
	Subsystem: MetricINASubsystemNode,
	Name:      "packet_allow_total",
	Help:      "The number of packets which results in an allow IP packet result",
})

var metricAllowBytesCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricINANamespace,
	Subsystem: MetricINASubsystemNode,
	Name:      "packet_allow_bytes",
	Help:      "The number of bytes for packets which results in an allow IP packet result",
})

var metricDenyCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricINANamespace,
	Subsystem: MetricINASubsystemNode,
	Name:      "packet_deny_total",
	Help:      "The number of packets which results in a deny IP packet result",
})

var metricDenyBytesCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricINANamespace,
	Subsystem: MetricINASubsystemNode,
	Name:      "packet_deny_bytes",
	Help:      "The number of bytes for packets which results in an deny IP packet result",
})

var metricRulesLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: MetricINANamespace,
	Subsystem: MetricINASubsystemNode,
	Name:      "rules_loaded",
	Help:      "The number of rules in the classifier currently in effect",
})

var metricBuildFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: MetricINANamespace,
	Subsystem: MetricINASubsystemNode,
	Name:      "rule_build_failures_total",
	Help:      "The number of rule set builds that failed and left the previous rules in effect",
})

var metricBuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: MetricINANamespace,
	Subsystem: MetricINASubsystemNode,
	Name:      "rule_build_duration_seconds",
	Help:      "Time spent compiling rule sets",
	Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
})

const (
	MetricINANamespace     = "ingressnodeacl"
	MetricINASubsystemNode = "node"
)

// GetPrometheusStatisticNames returns all statistic metric names - to aid testing only.
func GetPrometheusStatisticNames() []string {
	return []string{
		MetricINANamespace + "_" + MetricINASubsystemNode + "_" + "packet_allow_total",
		MetricINANamespace + "_" + MetricINASubsystemNode + "_" + "packet_allow_bytes",
		MetricINANamespace + "_" + MetricINASubsystemNode + "_" + "packet_deny_total",
		MetricINANamespace + "_" + MetricINASubsystemNode + "_" + "packet_deny_bytes",
		MetricINANamespace + "_" + MetricINASubsystemNode + "_" + "rules_loaded",
		MetricINANamespace + "_" + MetricINASubsystemNode + "_" + "rule_build_failures_total",
		MetricINANamespace + "_" + MetricINASubsystemNode + "_" + "rule_build_duration_seconds",
	}
}

// Counters holds packet and byte totals per verdict.
type Counters struct {
	AllowPackets uint64
	AllowBytes   uint64
	DenyPackets  uint64
	DenyBytes    uint64
}

// CounterSource is anything that counts classified packets, typically one packet worker.
type CounterSource interface {
	Counters() Counters
	ResetCounters()
}

var log = ctrllog.Log.WithName("metrics")

type Statistics struct {
	//regOnce ensures that we only register metrics once otherwise panic may occur
	regOnce sync.Once
	pollWG  sync.WaitGroup
	//mu controls access to isPollActive/pollStopCh
	mu           sync.Mutex
	pollStopCh   chan struct{}
	isPollActive bool
	pollPeriod   time.Duration
}

func NewStatistics(pollPeriod string) (*Statistics, error) {
	i, err := strconv.Atoi(pollPeriod)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %q to integer: %v", pollPeriod, err)
	}
	if i <= 0 {
		return nil, fmt.Errorf("poll period must be positive, got %d", i)
	}
	return &Statistics{pollPeriod: time.Duration(i) * time.Second}, nil
}

func (m *Statistics) Register() {
	m.regOnce.Do(func() {
		controllerruntimemetrics.Registry.MustRegister(metricAllowCount)
		controllerruntimemetrics.Registry.MustRegister(metricAllowBytesCount)
		controllerruntimemetrics.Registry.MustRegister(metricDenyCount)
		controllerruntimemetrics.Registry.MustRegister(metricDenyBytesCount)
		controllerruntimemetrics.Registry.MustRegister(metricRulesLoaded)
		controllerruntimemetrics.Registry.MustRegister(metricBuildFailures)
		controllerruntimemetrics.Registry.MustRegister(metricBuildDuration)
	})
}

// StartPoll periodically sums the counters of sources into the packet gauges until StopPoll.
func (m *Statistics) StartPoll(sources ...CounterSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isPollActive {
		log.Info("Metrics are already being polled")
		return
	}
	m.pollStopCh = make(chan struct{})
	m.isPollActive = true
	m.pollWG.Add(1)

	stopCh := m.pollStopCh
	go func() {
		defer m.pollWG.Done()
		log.Info("Starting node metrics updater. Metrics will be polled periodically and presented as prometheus metrics")
		wait.Until(func() { updateMetrics(sources) }, m.pollPeriod, stopCh)
		log.Info("Stopped node metric updates")
	}()
}

func (m *Statistics) StopPoll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isPollActive {
		return
	}
	close(m.pollStopCh)
	m.pollWG.Wait()
	m.isPollActive = false
}

// PurgeMetrics resets the counters of sources and zeroes the packet gauges.
func (m *Statistics) PurgeMetrics(sources ...CounterSource) {
	for _, s := range sources {
		s.ResetCounters()
	}
	metricAllowCount.Set(0)
	metricAllowBytesCount.Set(0)
	metricDenyCount.Set(0)
	metricDenyBytesCount.Set(0)
}

// ObserveBuild records the outcome of a rule set build.
func (m *Statistics) ObserveBuild(rules int, elapsed time.Duration, err error) {
	if err != nil {
		metricBuildFailures.Inc()
		return
	}
	metricRulesLoaded.Set(float64(rules))
	metricBuildDuration.Observe(elapsed.Seconds())
}

func updateMetrics(sources []CounterSource) {
	var total Counters
	var result uint64
	var ok bool

	for _, s := range sources {
		c := s.Counters()
		if result, ok = addUInt64(c.AllowPackets, total.AllowPackets); !ok {
			log.Info("Overflow occurred during addition of allow packet statistic")
		} else {
			total.AllowPackets = result
		}

		if result, ok = addUInt64(c.AllowBytes, total.AllowBytes); !ok {
			log.Info("Overflow occurred during addition of allow byte statistic")
		} else {
			total.AllowBytes = result
		}

		if result, ok = addUInt64(c.DenyPackets, total.DenyPackets); !ok {
			log.Info("Overflow occurred during addition of deny packet statistic")
		} else {
			total.DenyPackets = result
		}

		if result, ok = addUInt64(c.DenyBytes, total.DenyBytes); !ok {
			log.Info("Overflow occurred during addition of deny byte statistic")
		} else {
			total.DenyBytes = result
		}
	}
	metricAllowCount.Set(float64(total.AllowPackets))
	metricAllowBytesCount.Set(float64(total.AllowBytes))
	metricDenyCount.Set(float64(total.DenyPackets))
	metricDenyBytesCount.Set(float64(total.DenyBytes))
}

// addUInt64 performs op and checks for overflow. Returns value, and true for success.
func addUInt64(a, b uint64) (uint64, bool) {
	c := a + b
	if a == 0 || b == 0 {
		return c, true
	}
	if c > a && c > b {
		return c, true
	}
	// overflow
	return c, false
}
