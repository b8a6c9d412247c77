// Package metrics exposes prometheus collectors for bandit policies.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ModeExploit = "exploit"
	ModeExplore = "explore"
	ModeRandom  = "random"

	KindFull    = "full"
	KindPartial = "partial"
)

type Collector struct {
	Predictions *prometheus.CounterVec
	Fits        *prometheus.CounterVec
	FitDuration *prometheus.HistogramVec
	Arms        *prometheus.GaugeVec
}

// New builds the collectors and registers them on reg. A nil reg leaves them
// unregistered; collectors already registered by another policy are reused.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		Predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bandit_predictions_total",
				Help: "Rows predicted, by policy and by whether the arm came from the model, exploration or the unfitted fallback.",
			},
			[]string{"policy", "mode"},
		),
		Fits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bandit_fits_total",
				Help: "Fit and partial fit calls by policy.",
			},
			[]string{"policy", "kind"},
		),
		FitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bandit_fit_duration_seconds",
				Help:    "Wall time of fit and partial fit calls.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"policy", "kind"},
		),
		Arms: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bandit_arms",
				Help: "Number of arms of a policy.",
			},
			[]string{"policy"},
		),
	}
	if reg == nil {
		return c, nil
	}

	var err error
	if c.Predictions, err = register(reg, c.Predictions); err != nil {
		return nil, err
	}
	if c.Fits, err = register(reg, c.Fits); err != nil {
		return nil, err
	}
	if c.FitDuration, err = register(reg, c.FitDuration); err != nil {
		return nil, err
	}
	if c.Arms, err = register(reg, c.Arms); err != nil {
		return nil, err
	}
	return c, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (c *Collector) ObservePredictions(policy, mode string, n int) {
	if n > 0 {
		c.Predictions.WithLabelValues(policy, mode).Add(float64(n))
	}
}

func (c *Collector) ObserveFit(policy, kind string, start time.Time) {
	c.Fits.WithLabelValues(policy, kind).Inc()
	c.FitDuration.WithLabelValues(policy, kind).Observe(time.Since(start).Seconds())
}

func (c *Collector) SetArms(policy string, n int) {
	c.Arms.WithLabelValues(policy).Set(float64(n))
}
