package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/kestrel-dash/internal/link"
)

const namespace = "kestrel"

// Metrics holds the link health instruments on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	events      *prometheus.CounterVec
	nacks       *prometheus.CounterVec
	timeouts    *prometheus.CounterVec
	connected   prometheus.Gauge
	fields      prometheus.Gauge
	lastReading *prometheus.GaugeVec
	logSize     prometheus.Gauge
	transfers   prometheus.Counter
}

// New builds the instruments. Go runtime and process collectors are
// registered alongside them.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "link",
				Name:      "events_total",
				Help:      "Protocol events by kind.",
			},
			[]string{"kind"},
		),
		nacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "link",
				Name:      "nacks_total",
				Help:      "Negative acknowledgements by command code.",
			},
			[]string{"code"},
		),
		timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "link",
				Name:      "timeouts_total",
				Help:      "Commands abandoned without a response, by command code.",
			},
			[]string{"code"},
		),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the instrument link is up.",
		}),
		fields: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "template",
			Name:      "fields",
			Help:      "Fields in the active log template.",
		}),
		lastReading: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reading",
				Name:      "value",
				Help:      "Latest numeric value of each snapshot field.",
			},
			[]string{"field"},
		),
		logSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "records",
			Help:      "Records reported by the last log size query.",
		}),
		transfers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "transfers_completed_total",
			Help:      "Completed log downloads.",
		}),
	}
	m.registry.MustRegister(
		m.events, m.nacks, m.timeouts, m.connected, m.fields,
		m.lastReading, m.logSize, m.transfers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe updates the instruments for one event.
func (m *Metrics) Observe(ev link.Event) {
	m.events.WithLabelValues(ev.Kind.String()).Inc()
	switch ev.Kind {
	case link.EventNack:
		m.nacks.WithLabelValues(codeLabel(ev.Code)).Inc()
	case link.EventTimeout:
		m.timeouts.WithLabelValues(codeLabel(ev.Code)).Inc()
	case link.EventTemplate:
		m.fields.Set(float64(len(ev.Names)))
	case link.EventLogSize:
		m.logSize.Set(float64(ev.Count))
	case link.EventTransferComplete:
		m.transfers.Inc()
	case link.EventReading:
		for name, v := range ev.Fields {
			switch x := v.(type) {
			case float64:
				m.lastReading.WithLabelValues(name).Set(x)
			case int64:
				m.lastReading.WithLabelValues(name).Set(float64(x))
			}
		}
	}
}

// SetConnected records the link state.
func (m *Metrics) SetConnected(up bool) {
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func codeLabel(code uint16) string {
	return fmt.Sprintf("0x%04x", code)
}
