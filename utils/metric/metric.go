// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metric provides small, allocation-light counters/gauges/averagers
// for the hot paths of consensus (round state, back-pressure, buffer
// manager) that would otherwise pay the cost of a full metrics registry
// on every observation.
package metric

import (
	"errors"
	"sync"

	"github.com/luxfi/metric"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/quorumchain/utils/wrappers"
)

// ErrMetricNotFound is returned when a metric is not found.
var ErrMetricNotFound = errors.New("metric not found")

// Averager tracks a running average of observed values.
type Averager interface {
	Observe(value float64)
	Read() float64
}

type averager struct {
	mu    sync.RWMutex
	sum   float64
	count int64

	promCount prometheus.Counter
	promSum   prometheus.Gauge
}

// NewAverager returns a new Averager.
func NewAverager() Averager {
	return &averager{}
}

// NewPromAverager returns an Averager that also exports its
// observation count and running sum through reg.
func NewPromAverager(name, help string, reg prometheus.Registerer) (Averager, error) {
	count := prometheus.NewCounter(prometheus.CounterOpts{
		Name: name + "_count",
		Help: "Total # of observations of " + help,
	})
	sum := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name + "_sum",
		Help: "Sum of " + help,
	})
	if err := reg.Register(count); err != nil {
		return nil, err
	}
	if err := reg.Register(sum); err != nil {
		return nil, err
	}
	return &averager{promCount: count, promSum: sum}, nil
}

// NewAveragerWithErrs is NewPromAverager with registration errors
// accumulated into errs, returning a plain in-memory Averager when
// registration fails.
func NewAveragerWithErrs(name, help string, reg prometheus.Registerer, errs *wrappers.Errs) Averager {
	if reg == nil {
		return &averager{}
	}
	a, err := NewPromAverager(name, help, reg)
	if err != nil {
		if errs != nil {
			errs.Add(err)
		}
		return &averager{}
	}
	return a
}

func (a *averager) Observe(value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sum += value
	a.count++
	if a.promCount != nil {
		a.promCount.Inc()
	}
	if a.promSum != nil {
		a.promSum.Add(value)
	}
}

func (a *averager) Read() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

// Counter tracks a monotonic count.
type Counter interface {
	Inc()
	Add(delta int64)
	Read() int64
}

type counter struct {
	ctr metric.Counter
}

// Gauge tracks a value that can move up or down.
type Gauge interface {
	Set(value float64)
	Add(delta float64)
	Read() float64
}

type gauge struct {
	g metric.Gauge
}

func (c *counter) Inc()              { c.ctr.Inc() }
func (c *counter) Add(delta int64)   { c.ctr.Add(float64(delta)) }
func (c *counter) Read() int64       { return int64(c.ctr.Get()) }
func (g *gauge) Set(value float64)   { g.g.Set(value) }
func (g *gauge) Add(delta float64)   { g.g.Add(delta) }
func (g *gauge) Read() float64       { return g.g.Get() }

// Registry is a named collection of counters, gauges, and averagers,
// backed by a github.com/luxfi/metric namespace.
type Registry interface {
	NewCounter(name string) Counter
	NewGauge(name string) Gauge
	NewAverager(name string) Averager
	GetCounter(name string) (Counter, error)
	GetGauge(name string) (Gauge, error)
	GetAverager(name string) (Averager, error)
}

type registry struct {
	ns        metric.Metrics
	mu        sync.RWMutex
	averagers map[string]Averager
	counters  map[string]Counter
	gauges    map[string]Gauge
}

// NewRegistry returns a new Registry namespaced under ns.
func NewRegistry(ns metric.Metrics) Registry {
	return &registry{
		ns:        ns,
		averagers: make(map[string]Averager),
		counters:  make(map[string]Counter),
		gauges:    make(map[string]Gauge),
	}
}

func (r *registry) NewCounter(name string) Counter {
	c := &counter{ctr: r.ns.NewCounter(name, name)}
	r.mu.Lock()
	r.counters[name] = c
	r.mu.Unlock()
	return c
}

func (r *registry) NewGauge(name string) Gauge {
	g := &gauge{g: r.ns.NewGauge(name, name)}
	r.mu.Lock()
	r.gauges[name] = g
	r.mu.Unlock()
	return g
}

func (r *registry) NewAverager(name string) Averager {
	a := &averager{}
	r.mu.Lock()
	r.averagers[name] = a
	r.mu.Unlock()
	return a
}

func (r *registry) GetCounter(name string) (Counter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.counters[name]; ok {
		return v, nil
	}
	return nil, ErrMetricNotFound
}

func (r *registry) GetGauge(name string) (Gauge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.gauges[name]; ok {
		return v, nil
	}
	return nil, ErrMetricNotFound
}

func (r *registry) GetAverager(name string) (Averager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.averagers[name]; ok {
		return v, nil
	}
	return nil, ErrMetricNotFound
}
