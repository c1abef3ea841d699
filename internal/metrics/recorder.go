// Package metrics exposes derived sensor values and recompute activity as
// Prometheus metrics.
package metrics

import (
	"net/http"

	"energymonitor/internal/monitor"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "energy_power_monitor"

// Recorder is a monitor.Publisher and monitor.Observer backed by its own
// registry.
type Recorder struct {
	registry *prometheus.Registry

	value      *prometheus.GaugeVec
	available  *prometheus.GaugeVec
	recomputes *prometheus.CounterVec
	pruned     *prometheus.CounterVec
	sourceLen  *prometheus.GaugeVec
}

var (
	_ monitor.Publisher = (*Recorder)(nil)
	_ monitor.Observer  = (*Recorder)(nil)
)

// NewRecorder creates a recorder with process and Go collectors registered
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		value: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "room_value",
				Help:      "Latest derived sensor value",
			},
			[]string{"room", "kind", "entity_type"},
		),
		available: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "room_available",
				Help:      "1 if the derived sensor has a value, 0 if unavailable",
			},
			[]string{"room", "kind", "entity_type"},
		),
		recomputes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recomputes_total",
				Help:      "Derived sensor recomputes by trigger",
			},
			[]string{"room", "kind", "trigger"},
		),
		pruned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pruned_sources_total",
				Help:      "Source entities removed from room configs because they no longer exist",
			},
			[]string{"room"},
		),
		sourceLen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "room_sources",
				Help:      "Number of source entities selected for a tracked aggregate",
			},
			[]string{"room", "entity_type"},
		),
	}

	r.registry.MustRegister(
		r.value,
		r.available,
		r.recomputes,
		r.pruned,
		r.sourceLen,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the recorder's registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Publish(s monitor.DerivedState) error {
	labels := prometheus.Labels{
		"room":        s.Room,
		"kind":        s.Kind.String(),
		"entity_type": string(s.EntityType),
	}
	if s.Result.Available {
		r.value.With(labels).Set(s.Result.Value)
		r.available.With(labels).Set(1)
	} else {
		r.available.With(labels).Set(0)
	}

	if s.Kind == monitor.KindTracked {
		if selected, ok := s.Attributes[monitor.AttrSelectedEntities].([]string); ok {
			r.sourceLen.WithLabelValues(s.Room, string(s.EntityType)).Set(float64(len(selected)))
		}
	}
	return nil
}

// Retract drops the series of a removed sensor
func (r *Recorder) Retract(s monitor.DerivedState) error {
	labels := prometheus.Labels{
		"room":        s.Room,
		"kind":        s.Kind.String(),
		"entity_type": string(s.EntityType),
	}
	r.value.Delete(labels)
	r.available.Delete(labels)
	if s.Kind == monitor.KindTracked {
		r.sourceLen.DeleteLabelValues(s.Room, string(s.EntityType))
	}
	return nil
}

func (r *Recorder) Recomputed(room string, kind monitor.Kind, trigger monitor.Trigger) {
	r.recomputes.WithLabelValues(room, kind.String(), string(trigger)).Inc()
}

func (r *Recorder) Pruned(room string, count int) {
	if count <= 0 {
		return
	}
	r.pruned.WithLabelValues(room).Add(float64(count))
}

