package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// StatusCounter reports how many recipients are in each status
type StatusCounter interface {
	StatusCounts() map[string]int
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// ShadowCounters stores counter values so they survive restarts
type ShadowCounters struct {
	Sends         map[string]float64 `json:"sends"`
	SendFailures  map[string]float64 `json:"send_failures"`
	SchedulerRuns map[string]float64 `json:"scheduler_runs"`
}

// Collector persists counters and refreshes gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	recipients    StatusCounter
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	counters ShadowCounters
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new metrics collector and restores persisted counters
func NewCollector(db *bolt.DB, m *Metrics, recipients StatusCounter, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
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
		recipients:    recipients,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		counters: ShadowCounters{
			Sends:         make(map[string]float64),
			SendFailures:  make(map[string]float64),
			SchedulerRuns: make(map[string]float64),
		},
		stopCh: make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}
	m.attach(c)

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.collect()

	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

func (c *Collector) track(series *map[string]float64, label string) {
	c.mu.Lock()
	(*series)[label]++
	c.mu.Unlock()
}

func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetrics).Get(keyCounters)
		if data == nil {
			return nil
		}

		var saved ShadowCounters
		if err := json.Unmarshal(data, &saved); err != nil {
			return nil // start from zero
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		for k, v := range saved.Sends {
			c.counters.Sends[k] = v
			c.metrics.SendsTotal.WithLabelValues(k).Add(v)
		}
		for k, v := range saved.SendFailures {
			c.counters.SendFailures[k] = v
			c.metrics.SendFailuresTotal.WithLabelValues(k).Add(v)
		}
		for k, v := range saved.SchedulerRuns {
			c.counters.SchedulerRuns[k] = v
			c.metrics.SchedulerRunsTotal.WithLabelValues(k).Add(v)
		}
		return nil
	})
}

func (c *Collector) persistCounters() error {
	c.mu.Lock()
	data, err := json.Marshal(c.counters)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetrics).Put(keyCounters, data)
	})
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	flush := time.NewTicker(c.flushInterval)
	defer flush.Stop()
	gauges := time.NewTicker(5 * time.Second)
	defer gauges.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-flush.C:
			c.persistCounters()
		case <-gauges.C:
			c.collect()
		}
	}
}

// collect refreshes gauges from current process and store state
func (c *Collector) collect() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.recipients != nil {
		c.metrics.Recipients.Reset()
		for status, n := range c.recipients.StatusCounts() {
			c.metrics.Recipients.WithLabelValues(status).Set(float64(n))
		}
	}
}
