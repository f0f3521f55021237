package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nkiryanov/authcore/internal/events"
)

const namespace = "authcore"

// Sink turns bus events into prometheus counters
// Counters are process local; correctness state lives in redis and the store
type Sink struct {
	events      *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	apiKeys     *prometheus.CounterVec
	authResults *prometheus.CounterVec
}

// New registers collectors in reg. dropped reports events lost by the bus
func New(reg prometheus.Registerer, dropped func() int64) *Sink {
	s := &Sink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Credential events by kind.",
		}, []string{"kind"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Attempts rejected by rate limiter.",
		}, []string{"action"}),
		apiKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apikey_validations_total",
			Help:      "API key validations by result.",
		}, []string{"result"}),
		authResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_results_total",
			Help:      "Orchestrator entry point results.",
		}, []string{"operation", "result"}),
	}

	reg.MustRegister(s.events, s.rateLimited, s.apiKeys, s.authResults)

	if dropped != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because the bus buffer was full.",
		}, func() float64 { return float64(dropped()) }))
	}

	return s
}

func (s *Sink) Handle(_ context.Context, e events.Event) {
	s.events.WithLabelValues(string(e.Kind)).Inc()

	switch e.Kind {
	case events.RateLimited:
		s.rateLimited.WithLabelValues(e.Attrs["action"]).Inc()
	case events.ApiKeyValidated:
		s.apiKeys.WithLabelValues("ok").Inc()
	case events.ApiKeyRejected:
		s.apiKeys.WithLabelValues("rejected").Inc()
	case events.AuthResult:
		s.authResults.WithLabelValues(e.Attrs["operation"], e.Attrs["result"]).Inc()
	}
}
