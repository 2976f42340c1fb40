package usecase

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
)

// AssetConfig はアセットキャッシュの設定を表す
type AssetConfig struct {
	Upstreams    []domain.Upstream
	MediaType    func(url string) string
	SingleFlight bool
	Now          func() time.Time
}

// AssetUseCase は上流アセットのキャッシュ付き取得を実装
type AssetUseCase struct {
	cache     domain.CacheManager
	fetcher   domain.AssetFetcher
	metrics   domain.MetricsCollector
	logger    domain.Logger
	upstreams []domain.Upstream
	mediaType func(string) string
	now       func() time.Time
	group     *singleflight.Group
}

var _ domain.AssetProvider = (*AssetUseCase)(nil)

// NewAssetUseCase は新しいAssetUseCaseインスタンスを作成
func NewAssetUseCase(
	cache domain.CacheManager,
	fetcher domain.AssetFetcher,
	metrics domain.MetricsCollector,
	logger domain.Logger,
	config AssetConfig,
) *AssetUseCase {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.MediaType == nil {
		config.MediaType = func(string) string { return "application/octet-stream" }
	}

	uc := &AssetUseCase{
		cache:     cache,
		fetcher:   fetcher,
		metrics:   metrics,
		logger:    logger,
		upstreams: append([]domain.Upstream(nil), config.Upstreams...),
		mediaType: config.MediaType,
		now:       config.Now,
	}
	if config.SingleFlight {
		uc.group = &singleflight.Group{}
	}
	return uc
}

// Resolve はリクエストパスに対応する上流URLを返す. 宣言順で最初に一致したプレフィックスを使う.
// デコード後に ".." を含むパスは対象外.
func (uc *AssetUseCase) Resolve(requestPath string) (string, bool) {
	for _, u := range uc.upstreams {
		if !strings.HasPrefix(requestPath, u.Prefix) {
			continue
		}
		rest := requestPath[len(u.Prefix):]
		if escapesBase(rest) {
			return "", false
		}
		return u.BaseURL + rest, true
	}
	return "", false
}

func escapesBase(rest string) bool {
	decoded, err := url.PathUnescape(rest)
	if err != nil {
		return true
	}
	for _, seg := range strings.FieldsFunc(decoded, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// GetAsset はキャッシュまたは上流からアセットを取得する.
// 対象外のパスや上流の非成功ステータスは ErrNotHandled、通信失敗は ErrUpstreamUnreachable.
func (uc *AssetUseCase) GetAsset(
	ctx context.Context, requestPath string,
) (*domain.Asset, error) {
	if entry, ok := uc.cache.Get(requestPath); ok {
		uc.metrics.RecordCacheHit()
		return &domain.Asset{
			Data:        entry.Data,
			ContentType: entry.ContentType,
			FromCache:   true,
		}, nil
	}

	target, ok := uc.Resolve(requestPath)
	if !ok {
		return nil, domain.ErrNotHandled
	}
	uc.metrics.RecordCacheMiss()

	if uc.group == nil {
		return uc.fetch(ctx, requestPath, target)
	}

	// 共有の取得は呼び出し元の切断に左右されない. 上限はクライアントのタイムアウト.
	shared := context.WithoutCancel(ctx)
	v, err, _ := uc.group.Do(requestPath, func() (interface{}, error) {
		return uc.fetch(shared, requestPath, target)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Asset), nil
}

// fetch は上流から取得してキャッシュに保存する
func (uc *AssetUseCase) fetch(
	ctx context.Context, requestPath, target string,
) (*domain.Asset, error) {
	data, err := uc.fetcher.Fetch(ctx, target)
	if err != nil {
		if errors.Is(err, domain.ErrNotHandled) {
			uc.logger.Debug("Upstream rejected asset", map[string]interface{}{
				"path":   requestPath,
				"target": target,
				"error":  err.Error(),
			})
			return nil, err
		}
		uc.metrics.RecordUpstreamError()
		return nil, err
	}

	contentType := uc.mediaType(target)
	entry := &domain.CacheEntry{
		Key:         requestPath,
		Data:        data,
		ContentType: contentType,
		FetchedAt:   uc.now(),
	}
	if err := uc.cache.Set(requestPath, entry); err != nil {
		// 保存に失敗しても取得結果は返す
		uc.logger.Error("Failed to store asset", err, map[string]interface{}{
			"path": requestPath,
		})
	}

	return &domain.Asset{Data: data, ContentType: contentType}, nil
}
