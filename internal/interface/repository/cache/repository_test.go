package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSetGet(t *testing.T) {
	clock := newFakeClock()
	repo := New(time.Hour, WithClock(clock.Now))

	require.NoError(t, repo.Set("/e/2/foo.png", NewEntry("", []byte("png"), "image/png", time.Time{})))

	entry, ok := repo.Get("/e/2/foo.png")
	require.True(t, ok)
	assert.Equal(t, "/e/2/foo.png", entry.Key)
	assert.Equal(t, []byte("png"), entry.Data)
	assert.Equal(t, "image/png", entry.ContentType)
	assert.Equal(t, clock.Now(), entry.FetchedAt)

	_, ok = repo.Get("/e/2/other.png")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	testCases := []struct {
		name    string
		elapsed time.Duration
		hit     bool
	}{
		{"Fresh", 30 * time.Minute, true},
		{"Exactly TTL", time.Hour, true},
		{"Expired", time.Hour + time.Nanosecond, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			repo := New(time.Hour, WithClock(clock.Now))
			require.NoError(t, repo.Set("k", NewEntry("k", []byte("v"), "text/plain", clock.Now())))

			clock.Advance(tc.elapsed)

			_, ok := repo.Get("k")
			assert.Equal(t, tc.hit, ok)
			if tc.hit {
				assert.Equal(t, 1, repo.Len())
			} else {
				// 参照時に削除される
				assert.Equal(t, 0, repo.Len())
				assert.Equal(t, int64(0), repo.Size())
			}
		})
	}
}

func TestSetOverwrites(t *testing.T) {
	repo := New(0)
	assert.Equal(t, DefaultTTL, repo.TTL())

	require.NoError(t, repo.Set("k", NewEntry("k", []byte("first"), "text/plain", time.Now())))
	require.NoError(t, repo.Set("k", NewEntry("k", []byte("second!"), "text/plain", time.Now())))

	entry, ok := repo.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("second!"), entry.Data)
	assert.Equal(t, int64(len("second!")), repo.Size())
}

func TestSetNil(t *testing.T) {
	repo := New(time.Hour)
	assert.Error(t, repo.Set("k", nil))
}

func TestDelete(t *testing.T) {
	repo := New(time.Hour)
	require.NoError(t, repo.Set("k", NewEntry("k", []byte("v"), "", time.Now())))

	require.NoError(t, repo.Delete("k"))
	require.NoError(t, repo.Delete("missing"))

	_, ok := repo.Get("k")
	assert.False(t, ok)
	assert.Equal(t, int64(0), repo.Size())
}

func TestEvictKeepsNewerEntry(t *testing.T) {
	clock := newFakeClock()
	repo := New(time.Hour, WithClock(clock.Now))

	require.NoError(t, repo.Set("k", NewEntry("k", []byte("old"), "", clock.Now())))
	stale := repo.entries["k"]

	clock.Advance(2 * time.Hour)
	require.NoError(t, repo.Set("k", NewEntry("k", []byte("new"), "", clock.Now())))

	repo.evict("k", stale)

	entry, ok := repo.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), entry.Data)
}

func TestConcurrentAccess(t *testing.T) {
	clock := newFakeClock()
	repo := New(time.Minute, WithClock(clock.Now))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", j%10)
				_ = repo.Set(key, NewEntry(key, []byte{byte(i)}, "", time.Time{}))
				if entry, ok := repo.Get(key); ok {
					assert.Len(t, entry.Data, 1)
				}
				if j%25 == 0 {
					clock.Advance(time.Second)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, repo.Len())
	assert.Equal(t, int64(10), repo.Size())
}
