package cache

import (
	"time"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
)

// DefaultTTL はキャッシュの既定保持期間 (30日).
const DefaultTTL = 30 * 24 * time.Hour

// NewEntry は新しいCacheEntryインスタンスを作成
func NewEntry(
	key string, data []byte, contentType string, fetchedAt time.Time,
) *domain.CacheEntry {
	return &domain.CacheEntry{
		Key:         key,
		Data:        data,
		ContentType: contentType,
		FetchedAt:   fetchedAt,
	}
}

// isExpired はエントリが期限切れかどうかを確認. 経過時間が TTL ちょうどの場合はまだ有効.
func isExpired(e *domain.CacheEntry, ttl time.Duration, now time.Time) bool {
	return now.Sub(e.FetchedAt) > ttl
}
