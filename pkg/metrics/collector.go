package metrics

import "time"

// StatsSource is the subset of pkg/agent.Agent the collector polls. It is
// declared here rather than imported to avoid a metrics<->agent import
// cycle (the Agent already imports metrics directly for its per-call
// counters); any type with this shape can be collected.
type StatsSource interface {
	ContainerStateCounts() map[string]int
	PreloadPoolLen() int
	JobsRunningCount() int
}

// Collector periodically snapshots gauge-shaped Agent state into the
// Prometheus registry, for values the Agent doesn't update inline on
// every mutation (container/job counts by state).
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for state, count := range c.source.ContainerStateCounts() {
		ContainersTotal.WithLabelValues(state).Set(float64(count))
	}
	PreloadPoolSize.Set(float64(c.source.PreloadPoolLen()))
	JobsRunning.Set(float64(c.source.JobsRunningCount()))
}
