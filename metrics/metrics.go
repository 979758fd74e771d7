// Package metrics exposes polystore statistics as Prometheus collectors.
//
// Collectors read a fresh snapshot on every scrape; nothing is cached between
// scrapes.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/polystore"
	"github.com/unkn0wn-root/polystore/provider/evict"
	"github.com/unkn0wn-root/polystore/provider/syncing"
)

const namespace = "polystore"

// CacheSource is satisfied by *evict.Cache.
type CacheSource interface {
	Stats() evict.Stats
}

type CacheCollector struct {
	src CacheSource

	hits, misses, sets, deletes *prometheus.Desc
	evictions                   *prometheus.Desc
	entries, memory             *prometheus.Desc
	maxEntries, maxMemory       *prometheus.Desc
}

var _ prometheus.Collector = (*CacheCollector)(nil)

// NewCacheCollector labels every series with backend=name.
func NewCacheCollector(name string, src CacheSource) *CacheCollector {
	labels := prometheus.Labels{"backend": name}
	desc := func(metric, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", metric), help, variable, labels)
	}
	return &CacheCollector{
		src:        src,
		hits:       desc("hits_total", "Cache reads that found a live entry."),
		misses:     desc("misses_total", "Cache reads that found nothing."),
		sets:       desc("sets_total", "Cache writes."),
		deletes:    desc("deletes_total", "Explicit cache deletes."),
		evictions:  desc("evictions_total", "Entries removed by the cache.", "reason"),
		entries:    desc("entries", "Live entries."),
		memory:     desc("memory_bytes", "Estimated bytes held by live entries."),
		maxEntries: desc("max_entries", "Configured entry limit."),
		maxMemory:  desc("max_memory_bytes", "Configured memory budget."),
	}
}

func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.hits, c.misses, c.sets, c.deletes, c.evictions, c.entries, c.memory, c.maxEntries, c.maxMemory} {
		ch <- d
	}
}

func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	counter := func(d *prometheus.Desc, v uint64, lv ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), lv...)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter(c.hits, s.Hits)
	counter(c.misses, s.Misses)
	counter(c.sets, s.Sets)
	counter(c.deletes, s.Deletes)
	counter(c.evictions, s.CapacityEvictions, string(evict.ReasonCapacity))
	counter(c.evictions, s.ExpiredEvictions, string(evict.ReasonExpired))
	gauge(c.entries, float64(s.Entries))
	gauge(c.memory, float64(s.MemoryUsage))
	gauge(c.maxEntries, float64(s.MaxEntries))
	gauge(c.maxMemory, float64(s.MaxMemory))
}

// SyncSource is satisfied by *syncing.Store.
type SyncSource interface {
	Stats() syncing.Stats
}

type SyncCollector struct {
	src SyncSource

	keys, tombstones, pending, unresolved *prometheus.Desc
	conflicts, resolved                   *prometheus.Desc
	pushed, pushFailures, pulled          *prometheus.Desc
}

var _ prometheus.Collector = (*SyncCollector)(nil)

func NewSyncCollector(name string, src SyncSource) *SyncCollector {
	labels := prometheus.Labels{"backend": name}
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "sync", metric), help, nil, labels)
	}
	return &SyncCollector{
		src:          src,
		keys:         desc("keys", "Live keys."),
		tombstones:   desc("tombstones", "Deleted keys kept for sync."),
		pending:      desc("pending", "Entries not yet pushed."),
		unresolved:   desc("unresolved_conflicts", "Conflicts awaiting resolution."),
		conflicts:    desc("conflicts_total", "Conflicts recorded."),
		resolved:     desc("conflicts_resolved_total", "Conflicts resolved."),
		pushed:       desc("pushed_total", "Entries pushed to the remote."),
		pushFailures: desc("push_failures_total", "Failed pushes."),
		pulled:       desc("pulled_total", "Remote entries applied."),
	}
}

func (c *SyncCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.keys, c.tombstones, c.pending, c.unresolved, c.conflicts, c.resolved, c.pushed, c.pushFailures, c.pulled} {
		ch <- d
	}
}

func (c *SyncCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, float64(s.Keys))
	ch <- prometheus.MustNewConstMetric(c.tombstones, prometheus.GaugeValue, float64(s.Tombstones))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.Pending))
	ch <- prometheus.MustNewConstMetric(c.unresolved, prometheus.GaugeValue, float64(s.Unresolved))
	ch <- prometheus.MustNewConstMetric(c.conflicts, prometheus.CounterValue, float64(s.Conflicts))
	ch <- prometheus.MustNewConstMetric(c.resolved, prometheus.CounterValue, float64(s.Resolved))
	ch <- prometheus.MustNewConstMetric(c.pushed, prometheus.CounterValue, float64(s.Pushed))
	ch <- prometheus.MustNewConstMetric(c.pushFailures, prometheus.CounterValue, float64(s.PushFailures))
	ch <- prometheus.MustNewConstMetric(c.pulled, prometheus.CounterValue, float64(s.Pulled))
}

// ManagerCollector reports per-backend key counts and the manager's
// replication and fallback counters.
type ManagerCollector struct {
	m       *polystore.Manager
	timeout time.Duration

	keys, up                       *prometheus.Desc
	replicated, replFailed, fbRead *prometheus.Desc
}

var _ prometheus.Collector = (*ManagerCollector)(nil)

// NewManagerCollector bounds each scrape by timeout; 0 => 5s.
func NewManagerCollector(m *polystore.Manager, timeout time.Duration) *ManagerCollector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	fq := func(n string) string { return prometheus.BuildFQName(namespace, "manager", n) }
	return &ManagerCollector{
		m:          m,
		timeout:    timeout,
		keys:       prometheus.NewDesc(fq("backend_keys"), "Keys held by a backend.", []string{"backend"}, nil),
		up:         prometheus.NewDesc(fq("backend_up"), "1 if the backend answered Size.", []string{"backend"}, nil),
		replicated: prometheus.NewDesc(fq("replicated_total"), "Successful replica writes.", nil, nil),
		replFailed: prometheus.NewDesc(fq("replication_failures_total"), "Failed replica writes.", nil, nil),
		fbRead:     prometheus.NewDesc(fq("fallback_reads_total"), "Reads served by the fallback backend.", nil, nil),
	}
}

func (c *ManagerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.keys
	ch <- c.up
	ch <- c.replicated
	ch <- c.replFailed
	ch <- c.fbRead
}

func (c *ManagerCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	st := c.m.Stats(ctx)
	for _, b := range st.Backends {
		up := 1.0
		if b.Err != nil {
			up = 0
		}
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up, b.Name)
		if b.Err == nil {
			ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, float64(b.Keys), b.Name)
		}
	}
	ch <- prometheus.MustNewConstMetric(c.replicated, prometheus.CounterValue, float64(st.Replicated))
	ch <- prometheus.MustNewConstMetric(c.replFailed, prometheus.CounterValue, float64(st.ReplicationFailures))
	ch <- prometheus.MustNewConstMetric(c.fbRead, prometheus.CounterValue, float64(st.FallbackReads))
}
