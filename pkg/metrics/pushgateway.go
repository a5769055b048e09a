package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	log "github.com/sirupsen/logrus"
)

var (
	promNamespace = "chatkit_creds"

	errorTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "last_renewal_error_timestamp_seconds",
		Help:      "The timestamp of the last error during renewal of a session",
	})

	errorCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "error_count",
		Help:      "Number of errors when renewing the session",
	})

	successTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "last_renewal_success_timestamp_seconds",
		Help:      "The timestamp of the last successful renewal of a session",
	})

	sessionExpiration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "time_until_session_expires",
		Help:      "The time remaining until the cached session credential expires",
	})

	sessionsServed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "sessions_served_total",
		Help:      "Number of session credentials handed to consumers",
	})

	handoffsRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "handoffs_relayed_total",
		Help:      "Number of transcripts relayed to the handoff webhook",
	})
)

type PushGateway struct {
	Pusher   *push.Pusher
	registry *prometheus.Registry
	address  string
}

func NewPushGateway(gatewayAddress string) *PushGateway {
	registry := prometheus.NewRegistry()
	registry.MustRegister(sessionExpiration, errorTime, successTime, errorCount, sessionsServed, handoffsRelayed)
	pusher := push.New(gatewayAddress, "chatkit-creds").Gatherer(registry)

	return &PushGateway{
		Pusher:   pusher,
		registry: registry,
		address:  gatewayAddress,
	}

}

func (p *PushGateway) SetExpiration(remaining time.Duration) {
	sessionExpiration.Set(float64(remaining.Seconds()))
}

func (p *PushGateway) SetSuccessTime() {
	successTime.SetToCurrentTime()
}

func (p *PushGateway) SetFailureTime() {
	errorTime.SetToCurrentTime()
}

func (p *PushGateway) IncFailureCount() {
	errorCount.Add(1)
}

func (p *PushGateway) IncSessionsServed() {
	sessionsServed.Add(1)
}

func (p *PushGateway) IncHandoffsRelayed() {
	handoffsRelayed.Add(1)
}

// Handler serves the registry for scraping, complementing the push path.
func (p *PushGateway) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PushGateway) Push() {

	if p.address != "" {
		hostname, _ := os.Hostname()
		err := p.Pusher.
			Grouping("instance", hostname).
			Add()
		if err != nil {
			log.Errorf("Could not push to Pushgateway: %s", err)
		}
	}

}
