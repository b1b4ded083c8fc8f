package presentment

import (
	"errors"

	"github.com/kokukuma/mdoc-holder/engagement"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeCompleted = "completed"
	outcomeDeclined  = "declined"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

// Metrics counts presentment sessions. A nil *Metrics records nothing.
type Metrics struct {
	started  prometheus.Counter
	outcomes *prometheus.CounterVec
	winners  *prometheus.CounterVec
}

// NewMetrics registers the presentment collectors with registerer. Collectors that are
// already registered are reused.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	started := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mdoc",
		Subsystem: "presentment",
		Name:      "sessions_started_total",
		Help:      "Number of presentment sessions started",
	})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mdoc",
		Subsystem: "presentment",
		Name:      "sessions_finished_total",
		Help:      "Number of presentment sessions finished, by result",
	}, []string{"result"})
	winners := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mdoc",
		Subsystem: "presentment",
		Name:      "transport_connected_total",
		Help:      "Number of reader connections, by connection method",
	}, []string{"method"})

	m := &Metrics{}
	var err error
	if m.started, err = register(registerer, started); err != nil {
		return nil, err
	}
	if m.outcomes, err = register(registerer, outcomes); err != nil {
		return nil, err
	}
	if m.winners, err = register(registerer, winners); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) (T, error) {
	err := registerer.Register(collector)
	if err == nil {
		return collector, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return collector, err
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
}

func (m *Metrics) sessionFinished(result string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(result).Inc()
}

func (m *Metrics) transportConnected(method engagement.MethodType) {
	if m == nil {
		return
	}
	m.winners.WithLabelValues(method.String()).Inc()
}
