// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
)

// Config holds the settings of a soak run.
type Config struct {
	Duration time.Duration `yaml:"duration"`
	Logging  string        `yaml:"logging"`

	// MetricsAddress, if set, serves prometheus metrics while the soak
	// runs.
	MetricsAddress string `yaml:"metrics-address"`

	Writers int `yaml:"writers"`
	Readers int `yaml:"readers"`
	Strong  int `yaml:"strong"`
	Weak    int `yaml:"weak"`

	Keys          int           `yaml:"keys"`
	Subscribers   int           `yaml:"subscribers"`
	FetchDelay    time.Duration `yaml:"fetch-delay"`
	FailureRate   float64       `yaml:"failure-rate"`
	RetryAttempts int           `yaml:"retry-attempts"`
	RetryDelay    time.Duration `yaml:"retry-delay"`
	MaxConcurrent int64         `yaml:"max-concurrent"`
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() Config {
	return Config{
		Duration:      10 * time.Second,
		Logging:       "<root>=WARNING",
		Writers:       4,
		Readers:       4,
		Strong:        16,
		Weak:          256,
		Keys:          64,
		Subscribers:   8,
		FetchDelay:    5 * time.Millisecond,
		FailureRate:   0.05,
		RetryAttempts: 3,
		RetryDelay:    10 * time.Millisecond,
		MaxConcurrent: 8,
	}
}

// SetFlags binds command line flags to the config's fields.
func (c *Config) SetFlags(f *gnuflag.FlagSet) {
	f.DurationVar(&c.Duration, "duration", c.Duration, "how long to run for")
	f.StringVar(&c.Logging, "logging", c.Logging, "logging configuration, as for loggo.ConfigureLoggers")
	f.StringVar(&c.MetricsAddress, "metrics-address", c.MetricsAddress, "address to serve /metrics on")
	f.IntVar(&c.Writers, "writers", c.Writers, "number of concurrent list writers")
	f.IntVar(&c.Readers, "readers", c.Readers, "number of position cache readers")
	f.IntVar(&c.Strong, "strong", c.Strong, "position cache hot tier size")
	f.IntVar(&c.Weak, "weak", c.Weak, "position cache warm tier size")
	f.IntVar(&c.Keys, "keys", c.Keys, "number of distinct fault cache keys")
	f.IntVar(&c.Subscribers, "subscribers", c.Subscribers, "number of fault cache subscribers")
	f.DurationVar(&c.FetchDelay, "fetch-delay", c.FetchDelay, "simulated fetch latency")
	f.Float64Var(&c.FailureRate, "failure-rate", c.FailureRate, "fraction of fetch attempts that fail")
	f.IntVar(&c.RetryAttempts, "retry-attempts", c.RetryAttempts, "fetch attempts per fault")
	f.DurationVar(&c.RetryDelay, "retry-delay", c.RetryDelay, "delay between fetch attempts")
	f.Int64Var(&c.MaxConcurrent, "max-concurrent", c.MaxConcurrent, "maximum fetches in flight")
}

// Validate returns an error if the config cannot be used for a soak run.
func (c Config) Validate() error {
	if c.Duration <= 0 {
		return errors.NotValidf("duration %v", c.Duration)
	}
	if c.Writers < 1 {
		return errors.NotValidf("writers %d", c.Writers)
	}
	if c.Readers < 0 {
		return errors.NotValidf("readers %d", c.Readers)
	}
	if c.Keys < 1 {
		return errors.NotValidf("keys %d", c.Keys)
	}
	if c.Subscribers < 0 {
		return errors.NotValidf("subscribers %d", c.Subscribers)
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return errors.NotValidf("failure-rate %v", c.FailureRate)
	}
	return nil
}
