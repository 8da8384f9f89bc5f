// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package faultcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "listcache_faultcache"

// StatsSource is implemented by every Cache, whatever its key and value
// types.
type StatsSource interface {
	Stats() Stats
}

// Collector is a prometheus.Collector that collects metrics about a
// fault cache.
type Collector struct {
	source StatsSource

	entries   *prometheus.Desc
	faults    *prometheus.Desc
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	publishes *prometheus.Desc
	evictions *prometheus.Desc
}

// NewMetricsCollector returns a new Collector for the cache named name.
func NewMetricsCollector(name string, source StatsSource) *Collector {
	labels := prometheus.Labels{"cache": name}
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", metric),
			help, nil, labels,
		)
	}
	return &Collector{
		source:    source,
		entries:   desc("entries", "The number of keys with live watchers."),
		faults:    desc("faults_total", "The number of faults raised."),
		hits:      desc("hits_total", "The number of watchers attached to a live entry."),
		misses:    desc("misses_total", "The number of watchers that created an entry."),
		publishes: desc("publishes_total", "The number of values delivered to live entries."),
		evictions: desc("evictions_total", "The number of entries evicted."),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.faults
	ch <- c.hits
	ch <- c.misses
	ch <- c.publishes
	ch <- c.evictions
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(stats.Entries))
	ch <- prometheus.MustNewConstMetric(c.faults, prometheus.CounterValue, float64(stats.Faults))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.publishes, prometheus.CounterValue, float64(stats.Publishes))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(stats.Evictions))
}
