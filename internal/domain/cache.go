package domain

import (
	"context"
	"time"
)

// CacheManager はキャッシュ管理のインターフェース.
type CacheManager interface {
	Get(key string) (*CacheEntry, bool)
	Set(key string, entry *CacheEntry) error
	Delete(key string) error
}

// CacheEntry はキャッシュのエントリを表す.
type CacheEntry struct {
	Key         string
	Data        []byte
	ContentType string
	FetchedAt   time.Time
}

// Upstream はパスプレフィックスと取得元ベースURLの組.
type Upstream struct {
	Prefix  string `mapstructure:"prefix" yaml:"prefix"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// Asset はキャッシュから返されるアセット.
type Asset struct {
	Data        []byte
	ContentType string
	FromCache   bool
}

// AssetFetcher は上流からアセットを取得するインターフェース.
type AssetFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// AssetProvider はリクエストパスに対応するアセットを返す.
type AssetProvider interface {
	GetAsset(ctx context.Context, requestPath string) (*Asset, error)
}
