package csrf

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeAllowed  = "allowed"
	outcomeRejected = "rejected"
	outcomeBypassed = "bypassed"
	outcomeError    = "error"
)

type metrics struct {
	requests *prometheus.CounterVec
}

// newMetrics registers the request counter on reg. A nil reg keeps the
// counter unregistered; a second Protector on the same registry shares it.
func newMetrics(reg prometheus.Registerer) *metrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "csrf",
		Name:      "requests_total",
		Help:      "Requests seen by the CSRF middleware, by outcome.",
	}, []string{"outcome"})

	if reg != nil {
		if err := reg.Register(requests); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					requests = existing
				}
			}
		}
	}
	return &metrics{requests: requests}
}

func (m *metrics) observe(outcome string) {
	m.requests.WithLabelValues(outcome).Inc()
}
