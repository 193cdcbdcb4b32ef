package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/resale-search-gateway/internal/events"
)

// PrometheusSink exports per-site search outcome metrics.
type PrometheusSink struct {
	reg      prometheus.Registerer
	searches *prometheus.CounterVec
	items    *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		reg: reg,
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_search_events_total",
			Help: "Searches resolved, partitioned by site and outcome.",
		}, []string{"site", "outcome"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_search_items_total",
			Help: "Listings returned to callers per site.",
		}, []string{"site"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_search_items_dropped_total",
			Help: "Raw listings discarded by normalization per site.",
		}, []string{"site"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_search_duration_seconds",
			Help:    "End-to-end search latency partitioned by site and outcome.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 15},
		}, []string{"site", "outcome"}),
	}
	for i, collector := range s.collectors() {
		if err := reg.Register(collector); err != nil {
			for _, registered := range s.collectors()[:i] {
				reg.Unregister(registered)
			}
			return nil, fmt.Errorf("register search event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		site := evt.Site
		if site == "" {
			site = "unknown"
		}
		outcome := string(evt.Outcome)
		s.searches.WithLabelValues(site, outcome).Inc()
		if evt.Items > 0 {
			s.items.WithLabelValues(site).Add(float64(evt.Items))
		}
		if evt.Dropped > 0 {
			s.dropped.WithLabelValues(site).Add(float64(evt.Dropped))
		}
		if evt.Dur > 0 {
			s.duration.WithLabelValues(site, outcome).Observe(evt.Dur.Seconds())
		}
	}
	return nil
}

func (s *PrometheusSink) collectors() []prometheus.Collector {
	return []prometheus.Collector{s.searches, s.items, s.dropped, s.duration}
}

// Close unregisters the collectors so the registerer can host a new sink.
func (s *PrometheusSink) Close(context.Context) error {
	for _, collector := range s.collectors() {
		s.reg.Unregister(collector)
	}
	return nil
}
