package domain

import (
	"encoding/json"
	"time"
)

// MetricsCollector はメトリクス収集のインターフェース
type MetricsCollector interface {
	IncrementConnections()
	DecrementConnections()
	AddBytesTransferred(bytes int64)
	RecordRequest(outcome string)
	RecordCacheHit()
	RecordCacheMiss()
	RecordBlockedRequest(reason DenyReason)
	RecordUpstreamError()
	RecordError()
	GetSnapshot() *MetricsSnapshot
}

// MetricsSnapshot はメトリクスのスナップショットを表す
type MetricsSnapshot struct {
	Timestamp          time.Time `json:"timestamp"`
	StartTime          time.Time `json:"start_time"`
	CurrentConnections int64     `json:"current_connections"`
	TotalRequests      int64     `json:"total_requests"`
	BytesTransferred   int64     `json:"bytes_transferred"`
	CacheHits          int64     `json:"cache_hits"`
	CacheMisses        int64     `json:"cache_misses"`
	BlockedRequests    int64     `json:"blocked_requests"`
	UpstreamErrors     int64     `json:"upstream_errors"`
	Errors             int64     `json:"errors"`
	Uptime             string    `json:"uptime"`
}

// ToJSON はスナップショットをJSON形式に変換.
func (ms *MetricsSnapshot) ToJSON() ([]byte, error) {
	return json.MarshalIndent(ms, "", "  ")
}

// リクエストの最終結果ラベル
const (
	OutcomeTunnel   = "tunnel"
	OutcomeOK       = "ok"
	OutcomeDenied   = "denied"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
	OutcomeRejected = "upgrade_rejected"
)
