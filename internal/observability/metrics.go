package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gospec",
			Subsystem: "session",
			Name:      "frames_read_total",
			Help:      "Frames read from the server, by command code.",
		},
		[]string{"command"},
	)
	eventsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gospec",
			Subsystem: "session",
			Name:      "events_dispatched_total",
			Help:      "Subscription callback deliveries enqueued.",
		},
	)
	repliesMatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gospec",
			Subsystem: "session",
			Name:      "replies_matched_total",
			Help:      "Frames that resolved a pending call.",
		},
	)
	repliesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gospec",
			Subsystem: "session",
			Name:      "replies_dropped_total",
			Help:      "Correlated frames with no pending call (late or unsolicited).",
		},
	)
	callTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gospec",
			Subsystem: "session",
			Name:      "call_timeouts_total",
			Help:      "Calls abandoned because no reply arrived in time.",
		},
	)
	pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gospec",
			Subsystem: "session",
			Name:      "pending_calls",
			Help:      "Outstanding correlated calls.",
		},
	)
	subscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gospec",
			Subsystem: "session",
			Name:      "subscriptions",
			Help:      "Properties with at least one local subscriber.",
		},
	)
)

// RegisterMetrics registers the session metrics on the default registry.
// Safe to call from every session constructor.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesRead, eventsDispatched, repliesMatched,
			repliesDropped, callTimeouts, pendingCalls, subscriptions,
		)
	})
}

func RecordFrameRead(command string) { framesRead.WithLabelValues(command).Inc() }
func RecordEventDispatched()         { eventsDispatched.Inc() }
func RecordReplyMatched()            { repliesMatched.Inc() }
func RecordReplyDropped()            { repliesDropped.Inc() }
func RecordCallTimeout()             { callTimeouts.Inc() }
func SetPendingCalls(n int)          { pendingCalls.Set(float64(n)) }
func SetActiveSubscriptions(n int)   { subscriptions.Set(float64(n)) }
