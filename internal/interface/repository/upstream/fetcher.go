package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
)

// DefaultTimeout は上流取得の既定タイムアウト.
const DefaultTimeout = 30 * time.Second

// Fetcher はHTTPで上流からアセットを取得する
type Fetcher struct {
	client *http.Client
}

var _ domain.AssetFetcher = (*Fetcher)(nil)

// New は新しいFetcherインスタンスを作成
func New(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
	}
}

// NewWithClient は任意の http.Client を使うFetcherを作成
func NewWithClient(client *http.Client) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch は上流URLの本文を取得する.
// 通信失敗は ErrUpstreamUnreachable、成功以外のステータスは ErrUpstreamRejected.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &domain.ErrUpstreamUnreachable{URL: url, Err: fmt.Errorf("build request: %w", err)}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &domain.ErrUpstreamUnreachable{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// 接続を再利用できるよう本文を読み捨てる
		io.Copy(io.Discard, resp.Body)
		return nil, &domain.ErrUpstreamRejected{URL: url, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.ErrUpstreamUnreachable{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}

	return data, nil
}
