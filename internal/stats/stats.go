// Package stats tracks per-language counters, durations and not-cacheable
// reasons for the cache daemon, backed by a real prometheus registry so the
// counters and histograms can be scraped as well as snapshotted for the
// GetStats RPC.
package stats

import (
	"sync"

	"github.com/dustin/go-humanize"
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// buckets mirror the teacher's build/cache histogram buckets, in seconds.
var buckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100}

// Stats is the server-wide statistics tracker. It is safe for concurrent use
// from worker-pool goroutines; the registry itself is internally
// synchronized and the only additional state here (compileRequests et al.)
// uses atomics via the prometheus counters themselves.
type Stats struct {
	registry *prometheus.Registry

	compileRequests   *prometheus.CounterVec // by language
	cacheHits         *prometheus.CounterVec // by language
	cacheMisses       *prometheus.CounterVec // by language, miss type
	cacheErrors       *prometheus.CounterVec
	notCacheable      *prometheus.CounterVec // by reason
	compileFailures   *prometheus.CounterVec
	cacheWriteErrors  prometheus.Counter
	distErrors        prometheus.Counter
	cacheReadHitTime  prometheus.Histogram
	cacheReadMissTime prometheus.Histogram
	compileTime       *prometheus.HistogramVec // by language

	mu      sync.Mutex
	started int64 // unix seconds this instance started, set by caller
}

// New creates a Stats instance and registers its metrics into a fresh
// registry.
func New() *Stats {
	s := &Stats{registry: prometheus.NewRegistry()}
	s.compileRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sccached_compile_requests_total",
		Help: "Number of compile requests received, by language.",
	}, []string{"language"})
	s.cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sccached_cache_hits_total",
		Help: "Number of cache hits, by language.",
	}, []string{"language"})
	s.cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sccached_cache_misses_total",
		Help: "Number of cache misses, by language and miss type.",
	}, []string{"language", "miss_type"})
	s.cacheErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sccached_cache_errors_total",
		Help: "Number of cache read errors, by language.",
	}, []string{"language"})
	s.notCacheable = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sccached_not_cacheable_total",
		Help: "Number of compiles judged not cacheable, by reason.",
	}, []string{"reason"})
	s.compileFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sccached_compile_failures_total",
		Help: "Number of compiles that failed, by language.",
	}, []string{"language"})
	s.cacheWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sccached_cache_write_errors_total",
		Help: "Number of failures writing a successful compile's output to storage.",
	})
	s.distErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sccached_dist_errors_total",
		Help: "Number of distributed-compile offload attempts that fell back to local.",
	})
	s.cacheReadHitTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sccached_cache_read_hit_seconds",
		Help:    "Time to look up a cache entry that turned out to be a hit.",
		Buckets: buckets,
	})
	s.cacheReadMissTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sccached_cache_read_miss_seconds",
		Help:    "Time spent on the lookup path before falling through to compile.",
		Buckets: buckets,
	})
	s.compileTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sccached_compile_seconds",
		Help:    "Time spent compiling, by language.",
		Buckets: buckets,
	}, []string{"language"})

	s.registry.MustRegister(
		s.compileRequests, s.cacheHits, s.cacheMisses, s.cacheErrors,
		s.notCacheable, s.compileFailures, s.cacheWriteErrors, s.distErrors,
		s.cacheReadHitTime, s.cacheReadMissTime, s.compileTime,
	)
	return s
}

// Registry returns the underlying prometheus registry, e.g. for exposing a
// /metrics endpoint alongside the framed RPC protocol.
func (s *Stats) Registry() *prometheus.Registry { return s.registry }

// RecordCompileRequest increments the per-language request counter.
func (s *Stats) RecordCompileRequest(language string) {
	s.compileRequests.WithLabelValues(language).Inc()
}

// RecordCacheHit records a cache hit and its lookup duration in seconds.
func (s *Stats) RecordCacheHit(language string, seconds float64) {
	s.cacheHits.WithLabelValues(language).Inc()
	s.cacheReadHitTime.Observe(seconds)
}

// RecordCacheMiss records a cache miss of the given type, its lookup
// duration, and the eventual compile duration.
func (s *Stats) RecordCacheMiss(language, missType string, lookupSeconds, compileSeconds float64) {
	s.cacheMisses.WithLabelValues(language, missType).Inc()
	s.cacheReadMissTime.Observe(lookupSeconds)
	s.compileTime.WithLabelValues(language).Observe(compileSeconds)
}

// RecordCacheReadError records a cache-read error classified as CacheReadError.
func (s *Stats) RecordCacheReadError(language string) {
	s.cacheErrors.WithLabelValues(language).Inc()
}

// RecordNotCacheable records a not-cacheable verdict and its reason key.
func (s *Stats) RecordNotCacheable(reason string) {
	s.notCacheable.WithLabelValues(reason).Inc()
}

// RecordCompileFailure records a non-zero-exit compile.
func (s *Stats) RecordCompileFailure(language string) {
	s.compileFailures.WithLabelValues(language).Inc()
}

// RecordCacheWriteError increments the cache_write_errors counter. Per spec
// §7 this is logged and counted but never surfaced to the client.
func (s *Stats) RecordCacheWriteError() {
	s.cacheWriteErrors.Inc()
}

// RecordDistError increments the distributed-offload fallback counter.
func (s *Stats) RecordDistError() {
	s.distErrors.Inc()
}

// Snapshot is a point-in-time, human-readable rendering of the counters,
// returned by the GetStats RPC. Pretty-printing (go-humanize) supplements
// the distilled spec, which only specifies the raw counters.
type Snapshot struct {
	CompileRequests  map[string]uint64
	CacheHits        map[string]uint64
	CacheMisses      map[string]uint64
	NotCacheable     map[string]uint64
	CompileFailures  map[string]uint64
	CacheWriteErrors uint64
	DistErrors       uint64
}

// Snapshot gathers the current counter values. It reads through the
// prometheus registry's Gather, so it stays consistent with what /metrics
// would report.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		CompileRequests: map[string]uint64{},
		CacheHits:       map[string]uint64{},
		CacheMisses:     map[string]uint64{},
		NotCacheable:    map[string]uint64{},
		CompileFailures: map[string]uint64{},
	}
	families, err := s.registry.Gather()
	if err != nil {
		return snap
	}
	for _, fam := range families {
		switch fam.GetName() {
		case "sccached_compile_requests_total":
			collectByLabel(fam, "language", snap.CompileRequests)
		case "sccached_cache_hits_total":
			collectByLabel(fam, "language", snap.CacheHits)
		case "sccached_cache_misses_total":
			collectByLabel(fam, "miss_type", snap.CacheMisses)
		case "sccached_not_cacheable_total":
			collectByLabel(fam, "reason", snap.NotCacheable)
		case "sccached_compile_failures_total":
			collectByLabel(fam, "language", snap.CompileFailures)
		case "sccached_cache_write_errors_total":
			for _, m := range fam.Metric {
				snap.CacheWriteErrors += uint64(m.GetCounter().GetValue())
			}
		case "sccached_dist_errors_total":
			for _, m := range fam.Metric {
				snap.DistErrors += uint64(m.GetCounter().GetValue())
			}
		}
	}
	return snap
}

func collectByLabel(fam *dto.MetricFamily, labelName string, into map[string]uint64) {
	for _, m := range fam.Metric {
		key := ""
		for _, l := range m.Label {
			if l.GetName() == labelName {
				key = l.GetValue()
			}
		}
		into[key] += uint64(m.GetCounter().GetValue())
	}
}

// PrettyPrint renders a Snapshot as sccache's `--show-stats` output does,
// using go-humanize for counts.
func (snap Snapshot) PrettyPrint() string {
	out := "Compile requests           " + humanize.Comma(int64(sumValues(snap.CompileRequests))) + "\n"
	out += "Cache hits                 " + humanize.Comma(int64(sumValues(snap.CacheHits))) + "\n"
	out += "Cache misses               " + humanize.Comma(int64(sumValues(snap.CacheMisses))) + "\n"
	out += "Cache write errors         " + humanize.Comma(int64(snap.CacheWriteErrors)) + "\n"
	out += "Dist errors                " + humanize.Comma(int64(snap.DistErrors)) + "\n"
	return out
}

func sumValues(m map[string]uint64) uint64 {
	var total uint64
	for _, v := range m {
		total += v
	}
	return total
}
