package metrics

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
)

// Repository はメトリクスのリポジトリ実装
type Repository struct {
	mu             sync.Mutex
	metricsFile    string
	startTime      time.Time
	connections    int64
	requests       int64
	bytes          int64
	cacheHits      int64
	cacheMisses    int64
	blocked        int64
	upstreamErrors int64
	errors         int64

	registry *prometheus.Registry
	prom     *promCollectors
}

// インターフェースの実装を検証
var _ domain.MetricsCollector = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(metricsFile string) *Repository {
	r := &Repository{
		metricsFile: metricsFile,
		startTime:   time.Now(),
		registry:    prometheus.NewRegistry(),
		prom:        newCollectors(),
	}

	r.prom.register(r.registry)
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Registry はPrometheusのレジストリを返す
func (r *Repository) Registry() *prometheus.Registry {
	return r.registry
}

// SaveMetrics はメトリクスをファイルに保存
func (r *Repository) SaveMetrics(snapshot *domain.MetricsSnapshot) error {
	if r.metricsFile == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := snapshot.ToJSON()
	if err != nil {
		return err
	}

	tempFile := r.metricsFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempFile, r.metricsFile)
}

// 以下、MetricsCollector インターフェースの実装
func (r *Repository) IncrementConnections() {
	atomic.AddInt64(&r.connections, 1)
	r.prom.connections.Inc()
}

func (r *Repository) DecrementConnections() {
	atomic.AddInt64(&r.connections, -1)
	r.prom.connections.Dec()
}

func (r *Repository) AddBytesTransferred(bytes int64) {
	if bytes <= 0 {
		return
	}
	atomic.AddInt64(&r.bytes, bytes)
	r.prom.bytes.Add(float64(bytes))
}

func (r *Repository) RecordRequest(outcome string) {
	atomic.AddInt64(&r.requests, 1)
	r.prom.requests.WithLabelValues(outcome).Inc()
}

func (r *Repository) RecordCacheHit() {
	atomic.AddInt64(&r.cacheHits, 1)
	r.prom.cacheLookups.WithLabelValues("hit").Inc()
}

func (r *Repository) RecordCacheMiss() {
	atomic.AddInt64(&r.cacheMisses, 1)
	r.prom.cacheLookups.WithLabelValues("miss").Inc()
}

func (r *Repository) RecordBlockedRequest(reason domain.DenyReason) {
	atomic.AddInt64(&r.blocked, 1)
	r.prom.blocked.WithLabelValues(string(reason)).Inc()
}

func (r *Repository) RecordUpstreamError() {
	atomic.AddInt64(&r.upstreamErrors, 1)
	r.prom.upstreamErrors.Inc()
}

func (r *Repository) RecordError() {
	atomic.AddInt64(&r.errors, 1)
	r.prom.errors.Inc()
}

func (r *Repository) GetSnapshot() *domain.MetricsSnapshot {
	return &domain.MetricsSnapshot{
		Timestamp:          time.Now(),
		StartTime:          r.startTime,
		CurrentConnections: atomic.LoadInt64(&r.connections),
		TotalRequests:      atomic.LoadInt64(&r.requests),
		BytesTransferred:   atomic.LoadInt64(&r.bytes),
		CacheHits:          atomic.LoadInt64(&r.cacheHits),
		CacheMisses:        atomic.LoadInt64(&r.cacheMisses),
		BlockedRequests:    atomic.LoadInt64(&r.blocked),
		UpstreamErrors:     atomic.LoadInt64(&r.upstreamErrors),
		Errors:             atomic.LoadInt64(&r.errors),
		Uptime:             time.Since(r.startTime).String(),
	}
}
