package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
)

// Repository はインメモリのキャッシュテーブル実装.
// エントリ数の上限はなく、期限切れエントリは次回参照時に削除される.
type Repository struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*domain.CacheEntry
	size    int64
}

// Verify interface implementation
var _ domain.CacheManager = (*Repository)(nil)

// Option はRepositoryの設定関数
type Option func(*Repository)

// WithClock は現在時刻の取得関数を差し替える
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		r.now = now
	}
}

// New は新しいRepositoryインスタンスを作成
func New(ttl time.Duration, opts ...Option) *Repository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	r := &Repository{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*domain.CacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get はキャッシュからデータを取得
func (r *Repository) Get(key string) (*domain.CacheEntry, bool) {
	r.mu.RLock()
	entry, exists := r.entries[key]
	r.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if isExpired(entry, r.ttl, r.now()) {
		r.evict(key, entry)
		return nil, false
	}

	return entry, true
}

// Set はキャッシュにデータを保存. 同じキーへの書き込みは後勝ち.
func (r *Repository) Set(key string, entry *domain.CacheEntry) error {
	if entry == nil {
		return errors.New("cache: nil entry")
	}

	stored := *entry
	stored.Key = key
	if stored.FetchedAt.IsZero() {
		stored.FetchedAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.entries[key]; exists {
		r.size -= int64(len(old.Data))
	}
	r.entries[key] = &stored
	r.size += int64(len(stored.Data))

	return nil
}

// Delete はキャッシュからエントリを削除
func (r *Repository) Delete(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[key]; exists {
		r.size -= int64(len(entry.Data))
		delete(r.entries, key)
	}
	return nil
}

// evict は参照時点のエントリが残っている場合のみ削除する.
// 並行して書き込まれた新しいエントリは消さない.
func (r *Repository) evict(key string, expired *domain.CacheEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.entries[key]; exists && current == expired {
		r.size -= int64(len(current.Data))
		delete(r.entries, key)
	}
}

// Len はエントリ数を返す
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Size は保持しているデータの合計バイト数を返す
func (r *Repository) Size() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// TTL は設定された保持期間を返す
func (r *Repository) TTL() time.Duration {
	return r.ttl
}
