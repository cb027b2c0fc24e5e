package metrics

import "github.com/prometheus/client_golang/prometheus"

// Lock request results used as the "result" label of LockRequestsCounter.
const (
	ResultGranted  = "granted"
	ResultBlocked  = "blocked"
	ResultTimeout  = "timeout"
	ResultDeadlock = "deadlock"
	ResultDenied   = "denied"
)

var (
	// LockRequestsCounter counts lock attempts by outcome.
	LockRequestsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accord_lock_requests_total",
		Help: "Total number of lock requests by result",
	}, []string{"result"})
	// LockWaitHistogram observes how long blocked requests waited.
	LockWaitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "accord_lock_wait_seconds",
		Help:    "Time spent waiting for blocked lock requests",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})
	// DeadlockCounter counts transactions chosen as deadlock victims.
	DeadlockCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "accord_deadlocks_total",
		Help: "Total number of deadlock victims",
	})
	// ActiveTransactionsGauge reports the number of registered transactions.
	ActiveTransactionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "accord_active_transactions",
		Help: "Current number of transactions known to the coordinator",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoordinatorMetrics registers the coordinator metrics on the provided registry.
func RegisterCoordinatorMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LockRequestsCounter, LockWaitHistogram, DeadlockCounter, ActiveTransactionsGauge)
}
