package store

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestHistograms = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "store_request_duration_seconds",
		Help:    "request durations for the indexed Store",
		Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"type", "operation"})

// StoreMetricsWrapper wraps any Store with metrics
type StoreMetricsWrapper struct {
	Store     Store
	storeType string
}

func (s *StoreMetricsWrapper) wrapWithMetrics(op string, f func()) {
	start := time.Now()
	f()
	requestHistograms.WithLabelValues(s.storeType, op).Observe(time.Since(start).Seconds())
}

func (s *StoreMetricsWrapper) Append(ctx context.Context, namespace, key string, index uint64, value []byte) error {
	var err error

	s.wrapWithMetrics("Append", func() {
		err = s.Store.Append(ctx, namespace, key, index, value)
	})
	return err
}

func (s *StoreMetricsWrapper) Read(ctx context.Context, namespace, key string, start, end uint64) ([]IndexedEntry, error) {
	var res []IndexedEntry
	var err error

	s.wrapWithMetrics("Read", func() {
		res, err = s.Store.Read(ctx, namespace, key, start, end)
	})
	return res, err
}

func (s *StoreMetricsWrapper) DropPrefix(ctx context.Context, namespace, key string, lastDropped uint64) error {
	var err error

	s.wrapWithMetrics("DropPrefix", func() {
		err = s.Store.DropPrefix(ctx, namespace, key, lastDropped)
	})
	return err
}

func (s *StoreMetricsWrapper) Length(ctx context.Context, namespace, key string) (uint64, error) {
	var res uint64
	var err error

	s.wrapWithMetrics("Length", func() {
		res, err = s.Store.Length(ctx, namespace, key)
	})
	return res, err
}

func (s *StoreMetricsWrapper) FirstIndex(ctx context.Context, namespace, key string) (uint64, error) {
	var res uint64
	var err error

	s.wrapWithMetrics("FirstIndex", func() {
		res, err = s.Store.FirstIndex(ctx, namespace, key)
	})
	return res, err
}

func (s *StoreMetricsWrapper) LastIndex(ctx context.Context, namespace, key string) (uint64, error) {
	var res uint64
	var err error

	s.wrapWithMetrics("LastIndex", func() {
		res, err = s.Store.LastIndex(ctx, namespace, key)
	})
	return res, err
}

func (s *StoreMetricsWrapper) Exists(ctx context.Context, namespace, key string) (bool, error) {
	var res bool
	var err error

	s.wrapWithMetrics("Exists", func() {
		res, err = s.Store.Exists(ctx, namespace, key)
	})
	return res, err
}

func (s *StoreMetricsWrapper) Delete(ctx context.Context, namespace, key string) error {
	var err error

	s.wrapWithMetrics("Delete", func() {
		err = s.Store.Delete(ctx, namespace, key)
	})
	return err
}

func (s *StoreMetricsWrapper) Scan(ctx context.Context, namespace, pattern string, cursor uint64, count int64) (uint64, []string, error) {
	var next uint64
	var keys []string
	var err error

	s.wrapWithMetrics("Scan", func() {
		next, keys, err = s.Store.Scan(ctx, namespace, pattern, cursor, count)
	})
	return next, keys, err
}

func (s *StoreMetricsWrapper) NumberOfReplicas(ctx context.Context) (int, error) {
	var res int
	var err error

	s.wrapWithMetrics("NumberOfReplicas", func() {
		res, err = s.Store.NumberOfReplicas(ctx)
	})
	return res, err
}

func (s *StoreMetricsWrapper) WaitForReplicas(ctx context.Context, n int, timeout time.Duration) (int, error) {
	var res int
	var err error

	s.wrapWithMetrics("WaitForReplicas", func() {
		res, err = s.Store.WaitForReplicas(ctx, n, timeout)
	})
	return res, err
}

func (s *StoreMetricsWrapper) Close() {
	s.wrapWithMetrics("Close", func() {
		s.Store.Close()
	})
}

// WrapWithMetrics returns a Store that reports request durations to prometheus
// under the given store type label.
func WrapWithMetrics(store Store, storeType string) Store {
	return &StoreMetricsWrapper{Store: store, storeType: storeType}
}
