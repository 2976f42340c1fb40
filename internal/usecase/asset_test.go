package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/interface/repository/cache"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/interface/repository/logger"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/interface/repository/metrics"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/interface/repository/upstream"
)

var testUpstreams = []domain.Upstream{
	{Prefix: "/e/1/", BaseURL: "https://raw.githubusercontent.com/qrs/x/fixy/"},
	{Prefix: "/e/2/", BaseURL: "https://raw.githubusercontent.com/3v1/V5-Assets/main/"},
	{Prefix: "/e/3/", BaseURL: "https://raw.githubusercontent.com/3v1/V5-Retro/master/"},
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	count atomic.Int32
	data  []byte
	err   error
	gate  chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.count.Add(1)
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, &domain.ErrUpstreamUnreachable{URL: url, Err: ctx.Err()}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newAssetFixture(
	fetcher domain.AssetFetcher, singleFlight bool,
) (*AssetUseCase, *metrics.Repository, *testClock) {
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	collector := metrics.New("")
	uc := NewAssetUseCase(
		cache.New(cache.DefaultTTL, cache.WithClock(clock.Now)),
		fetcher,
		collector,
		logger.NewNop(),
		AssetConfig{
			Upstreams:    testUpstreams,
			MediaType:    upstream.MediaType,
			SingleFlight: singleFlight,
			Now:          clock.Now,
		},
	)
	return uc, collector, clock
}

func TestResolveUpstream(t *testing.T) {
	uc, _, _ := newAssetFixture(&fakeFetcher{}, false)

	testCases := []struct {
		path string
		want string
		ok   bool
	}{
		{"/e/1/a.js", "https://raw.githubusercontent.com/qrs/x/fixy/a.js", true},
		{"/e/2/foo.png", "https://raw.githubusercontent.com/3v1/V5-Assets/main/foo.png", true},
		{"/e/3/dir/rom.bin", "https://raw.githubusercontent.com/3v1/V5-Retro/master/dir/rom.bin", true},
		{"/e/4/x", "", false},
		{"/e/", "", false},
		{"/e/2/..%2f..%2fother/repo/x.png", "", false},
		{"/e/2/a/../../x.png", "", false},
		{"/e/2/%2e%2e/x.png", "", false},
		{"/e/2/bad%zz.png", "", false},
		{"/e/2/v1..2/x.png", "https://raw.githubusercontent.com/3v1/V5-Assets/main/v1..2/x.png", true},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			got, ok := uc.Resolve(tc.path)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGetAssetCachesResult(t *testing.T) {
	fetcher := &fakeFetcher{data: []byte("png-data")}
	uc, collector, _ := newAssetFixture(fetcher, false)

	asset, err := uc.GetAsset(context.Background(), "/e/2/foo.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-data"), asset.Data)
	assert.Equal(t, "image/png", asset.ContentType)
	assert.False(t, asset.FromCache)
	assert.Equal(t, []string{"https://raw.githubusercontent.com/3v1/V5-Assets/main/foo.png"}, fetcher.calls)

	asset, err = uc.GetAsset(context.Background(), "/e/2/foo.png")
	require.NoError(t, err)
	assert.True(t, asset.FromCache)
	assert.Equal(t, "image/png", asset.ContentType)
	assert.Equal(t, int32(1), fetcher.count.Load())

	snapshot := collector.GetSnapshot()
	assert.Equal(t, int64(1), snapshot.CacheHits)
	assert.Equal(t, int64(1), snapshot.CacheMisses)
}

func TestGetAssetRefetchesAfterExpiry(t *testing.T) {
	fetcher := &fakeFetcher{data: []byte("v")}
	uc, _, clock := newAssetFixture(fetcher, false)

	_, err := uc.GetAsset(context.Background(), "/e/1/a.js")
	require.NoError(t, err)

	clock.Advance(cache.DefaultTTL)
	asset, err := uc.GetAsset(context.Background(), "/e/1/a.js")
	require.NoError(t, err)
	assert.True(t, asset.FromCache)

	clock.Advance(time.Second)
	asset, err = uc.GetAsset(context.Background(), "/e/1/a.js")
	require.NoError(t, err)
	assert.False(t, asset.FromCache)
	assert.Equal(t, int32(2), fetcher.count.Load())
}

func TestGetAssetUnityWeb(t *testing.T) {
	uc, _, _ := newAssetFixture(&fakeFetcher{data: []byte{0x1f}}, false)

	asset, err := uc.GetAsset(context.Background(), "/e/3/Build/game.data.unityweb")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", asset.ContentType)
}

func TestGetAssetErrors(t *testing.T) {
	testCases := []struct {
		name           string
		path           string
		fetchErr       error
		wantNotHandled bool
		upstreamErrors int64
	}{
		{
			"No matching prefix",
			"/e/9/x.png", nil, true, 0,
		},
		{
			"Upstream 404",
			"/e/2/missing.png",
			&domain.ErrUpstreamRejected{URL: "u", Status: 404},
			true, 0,
		},
		{
			"Upstream unreachable",
			"/e/2/foo.png",
			&domain.ErrUpstreamUnreachable{URL: "u", Err: errors.New("connection refused")},
			false, 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fetcher := &fakeFetcher{err: tc.fetchErr}
			uc, collector, _ := newAssetFixture(fetcher, false)

			asset, err := uc.GetAsset(context.Background(), tc.path)
			require.Error(t, err)
			assert.Nil(t, asset)
			assert.Equal(t, tc.wantNotHandled, errors.Is(err, domain.ErrNotHandled))
			assert.Equal(t, tc.upstreamErrors, collector.GetSnapshot().UpstreamErrors)

			// 失敗は保存されない
			_, err = uc.GetAsset(context.Background(), tc.path)
			require.Error(t, err)
			if tc.fetchErr != nil {
				assert.Equal(t, int32(2), fetcher.count.Load())
			}
		})
	}
}

func TestGetAssetSingleFlight(t *testing.T) {
	fetcher := &fakeFetcher{data: []byte("shared"), gate: make(chan struct{})}
	uc, _, _ := newAssetFixture(fetcher, true)

	const callers = 8
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
	)
	results := make([]*domain.Asset, callers)
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			asset, err := uc.GetAsset(context.Background(), "/e/2/foo.png")
			assert.NoError(t, err)
			results[i] = asset
		}(i)
	}
	started.Wait()

	// 最初の取得が開始されるまで待ってから解放する
	require.Eventually(t, func() bool { return fetcher.count.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	for _, asset := range results {
		require.NotNil(t, asset)
		assert.Equal(t, []byte("shared"), asset.Data)
	}
	assert.Less(t, fetcher.count.Load(), int32(callers))
}

func TestGetAssetSingleFlightIgnoresLeaderCancel(t *testing.T) {
	fetcher := &fakeFetcher{data: []byte("shared"), gate: make(chan struct{})}
	uc, _, _ := newAssetFixture(fetcher, true)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		uc.GetAsset(leaderCtx, "/e/2/foo.png")
	}()
	require.Eventually(t, func() bool { return fetcher.count.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		asset *domain.Asset
		err   error
	}
	followerDone := make(chan result, 1)
	go func() {
		asset, err := uc.GetAsset(context.Background(), "/e/2/foo.png")
		followerDone <- result{asset, err}
	}()
	time.Sleep(20 * time.Millisecond)

	// 先頭の呼び出し元が切断しても共有の取得は続く
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(fetcher.gate)

	res := <-followerDone
	require.NoError(t, res.err)
	assert.Equal(t, []byte("shared"), res.asset.Data)
	<-leaderDone
}

func TestGetAssetRejectsEscapingPath(t *testing.T) {
	fetcher := &fakeFetcher{data: []byte("x")}
	uc, _, _ := newAssetFixture(fetcher, false)

	_, err := uc.GetAsset(context.Background(), "/e/2/..%2f..%2fother/repo/x.png")
	assert.ErrorIs(t, err, domain.ErrNotHandled)
	assert.Equal(t, int32(0), fetcher.count.Load())
}
