package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationDuration tracks store call latency.
	// Labels: store, op
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowstate",
			Subsystem: "kvstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of key-value store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"store", "op"},
	)

	// OperationsTotal counts store calls by outcome.
	// Labels: store, op, result (ok, not_found, exists, mismatch, unavailable, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowstate",
			Subsystem: "kvstore",
			Name:      "operations_total",
			Help:      "Total number of key-value store operations",
		},
		[]string{"store", "op", "result"},
	)
)

// Instrumented wraps a Store and records Prometheus metrics under name.
type Instrumented struct {
	Store
	name string
}

// Instrument wraps s with metrics labelled by name.
func Instrument(name string, s Store) *Instrumented {
	return &Instrumented{Store: s, name: name}
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	OperationDuration.WithLabelValues(i.name, op).Observe(time.Since(start).Seconds())
	OperationsTotal.WithLabelValues(i.name, op, resultLabel(err)).Inc()
}

// Get implements Store.
func (i *Instrumented) Get(ctx context.Context, key string) (*Entry, error) {
	start := time.Now()
	e, err := i.Store.Get(ctx, key)
	i.observe("get", start, err)
	return e, err
}

// Create implements Store.
func (i *Instrumented) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	start := time.Now()
	rev, err := i.Store.Create(ctx, key, value)
	i.observe("create", start, err)
	return rev, err
}

// Update implements Store.
func (i *Instrumented) Update(ctx context.Context, key string, value []byte, lastRevision uint64) (uint64, error) {
	start := time.Now()
	rev, err := i.Store.Update(ctx, key, value, lastRevision)
	i.observe("update", start, err)
	return rev, err
}

// Delete implements Store.
func (i *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.Store.Delete(ctx, key)
	i.observe("delete", start, err)
	return err
}

// Keys implements Store.
func (i *Instrumented) Keys(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := i.Store.Keys(ctx, prefix)
	i.observe("keys", start, err)
	return keys, err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrKeyExists):
		return "exists"
	case errors.Is(err, ErrRevisionMismatch):
		return "mismatch"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
