// Package static はサンドボックスルート配下のファイル解決を提供する.
package static

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
)

// DefaultExtension は拡張子省略時に補う拡張子.
const DefaultExtension = ".html"

// Resolver はリクエストパスを静的ファイルに解決する
type Resolver struct {
	root string
	ext  string
}

// New は新しいResolverインスタンスを作成
func New(root, ext string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if ext == "" {
		ext = DefaultExtension
	}
	return &Resolver{root: filepath.Clean(abs), ext: ext}, nil
}

// Root はサンドボックスルートを返す
func (r *Resolver) Root() string {
	return r.root
}

// Resolve はパーセントエンコードされたリクエストパスをファイルパスに解決する.
// 1. そのままのパス 2. 末尾スラッシュを除いて拡張子を付与したパス の順に探す.
func (r *Resolver) Resolve(requestPath string) (string, error) {
	decoded, err := url.PathUnescape(requestPath)
	if err != nil || strings.ContainsRune(decoded, 0) {
		return "", domain.ErrNotFound
	}

	if direct, ok := r.safeJoin(decoded); ok && isRegularFile(direct) {
		return direct, nil
	}

	if withExt, ok := r.safeJoin(strings.TrimSuffix(decoded, "/") + r.ext); ok && isRegularFile(withExt) {
		return withExt, nil
	}

	return "", domain.ErrNotFound
}

// File はルート直下の名前付きリソースのパスを返す
func (r *Resolver) File(name string) (string, error) {
	p, ok := r.safeJoin(name)
	if !ok || !isRegularFile(p) {
		return "", domain.ErrNotFound
	}
	return p, nil
}

// safeJoin は正規化後のパスがルート内に留まる場合のみ結合結果を返す
func (r *Resolver) safeJoin(p string) (string, bool) {
	full := filepath.Join(r.root, filepath.FromSlash(p))
	if full != r.root && !strings.HasPrefix(full, r.root+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

func isRegularFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
