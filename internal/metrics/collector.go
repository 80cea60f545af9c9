package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

// QueueStats contains queue statistics for metrics
type QueueStats struct {
	Pending int64
	Leased  int64
	Due     int64
	Failed  int64
}

// QueueStatsFunc provides queue statistics for metrics
type QueueStatsFunc func(ctx context.Context) (*QueueStats, error)

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

type counterSample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// counterSnapshot maps metric name to its samples
type counterSnapshot map[string][]counterSample

// Collector persists counters across restarts and refreshes gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	queueStats    QueueStatsFunc
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector creates a collector and restores persisted counters
func NewCollector(db *bolt.DB, m *Metrics, queueStats QueueStatsFunc, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		queueStats:    queueStats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(keyCounters)
		if data == nil {
			return nil
		}

		var snap counterSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil // Skip invalid data
		}

		for name, values := range snap {
			vec, ok := c.metrics.counters[name]
			if !ok {
				continue
			}
			for _, sample := range values {
				counter, err := vec.GetMetricWith(prometheus.Labels(sample.Labels))
				if err != nil {
					continue
				}
				counter.Add(sample.Value)
			}
		}
		return nil
	})
}

// snapshot reads the current values of all restorable counters
func (c *Collector) snapshot() (counterSnapshot, error) {
	families, err := c.metrics.registry.Gather()
	if err != nil {
		return nil, err
	}

	snap := make(counterSnapshot)
	for _, mf := range families {
		if _, ok := c.metrics.counters[mf.GetName()]; !ok || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		samples := make([]counterSample, 0, len(mf.GetMetric()))
		for _, metric := range mf.GetMetric() {
			labels := make(map[string]string, len(metric.GetLabel()))
			for _, l := range metric.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			samples = append(samples, counterSample{Labels: labels, Value: metric.GetCounter().GetValue()})
		}
		snap[mf.GetName()] = samples
	}
	return snap, nil
}

func (c *Collector) persistCounters() error {
	snap, err := c.snapshot()
	if err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put(keyCounters, data)
	})
}

func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.queueStats != nil {
		stats, err := c.queueStats(ctx)
		if err == nil {
			c.metrics.QueuePending.Set(float64(stats.Pending))
			c.metrics.QueueLeased.Set(float64(stats.Leased))
			c.metrics.QueueDue.Set(float64(stats.Due))
			c.metrics.QueueFailed.Set(float64(stats.Failed))
		}
	}
}
