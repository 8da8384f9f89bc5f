// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package faultfetcher

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const metricsNamespace = "listcache_faultfetcher"

// Collector is a prometheus.Collector that collects metrics about a
// fault fetcher.
type Collector struct {
	fetches  prometheus.Counter
	retries  prometheus.Counter
	failures prometheus.Counter
	inflight prometheus.Gauge
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		fetches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "fetches_total",
				Help:      "The number of fetch attempts.",
			},
		),
		retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retries_total",
				Help:      "The number of failed fetch attempts.",
			},
		),
		failures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "failures_total",
				Help:      "The number of keys failed after the last attempt.",
			},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "inflight",
				Help:      "The number of fetches in progress.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.fetches.Describe(ch)
	c.retries.Describe(ch)
	c.failures.Describe(ch)
	c.inflight.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.fetches.Collect(ch)
	c.retries.Collect(ch)
	c.failures.Collect(ch)
	c.inflight.Collect(ch)
}

func (c *Collector) report() map[string]interface{} {
	return map[string]interface{}{
		"fetches":  counterValue(c.fetches),
		"retries":  counterValue(c.retries),
		"failures": counterValue(c.failures),
		"inflight": gaugeValue(c.inflight),
	}
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
