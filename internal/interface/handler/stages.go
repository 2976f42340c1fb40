package handler

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/interface/repository/access"
)

// FileResolver はリクエストパスをローカルファイルに解決する
type FileResolver interface {
	Resolve(requestPath string) (string, error)
	File(name string) (string, error)
}

const forbiddenBody = "Forbidden"

// reservedStage はトンネル用プレフィックスを他の処理に渡さない
type reservedStage struct {
	base     string
	fallback *Fallback
}

func (s *reservedStage) Name() string { return "reserved" }

func (s *reservedStage) Serve(x *Exchange) Result {
	p := x.R.URL.Path
	if s.base == "" || (p != s.base && !strings.HasPrefix(p, s.base+"/")) {
		return next()
	}
	s.fallback.Serve(x.W, x.R, http.StatusNotFound)
	return responded(http.StatusNotFound)
}

// assetBypassStage は静的アセット拡張子のリクエストをゲート対象外にする
type assetBypassStage struct{}

func (assetBypassStage) Name() string { return "asset-bypass" }

func (assetBypassStage) Serve(x *Exchange) Result {
	if access.IsExemptPath(x.R.URL.Path) {
		x.SkipGate = true
	}
	return next()
}

// gateStage は Referer とトークンによるアクセス制御
type gateStage struct {
	gate         domain.AccessController
	exemptRoutes map[string]bool
	metrics      domain.MetricsCollector
}

func (s *gateStage) Name() string { return "gate" }

func (s *gateStage) Serve(x *Exchange) Result {
	if x.SkipGate || s.exemptRoutes[x.R.URL.Path] {
		return next()
	}

	r := x.R
	decision := s.gate.Evaluate(domain.GateRequest{
		Origin:     r.Header.Get("Origin"),
		Referer:    r.Referer(),
		QueryToken: r.URL.Query().Get("token"),
		Host:       r.Host,
	})

	if !decision.Allowed {
		s.metrics.RecordBlockedRequest(decision.Reason)

		h := x.W.Header()
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("Content-Length", strconv.Itoa(len(forbiddenBody)))
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Cache-Control", "no-store")
		x.W.WriteHeader(http.StatusForbidden)
		x.W.Write([]byte(forbiddenBody))
		return rejected(http.StatusForbidden, decision.Reason)
	}

	h := x.W.Header()
	h.Set("Content-Security-Policy", "frame-ancestors "+s.gate.FrameAncestors())
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-store")
	return next()
}

// basicAuthStage はBasic認証
type basicAuthStage struct {
	users   map[string]string
	realm   string
	metrics domain.MetricsCollector
}

func (s *basicAuthStage) Name() string { return "basic-auth" }

func (s *basicAuthStage) Serve(x *Exchange) Result {
	if len(s.users) == 0 {
		return next()
	}

	if user, password, ok := x.R.BasicAuth(); ok {
		if expected, exists := s.users[user]; exists &&
			subtle.ConstantTimeCompare([]byte(password), []byte(expected)) == 1 {
			return next()
		}
	}

	s.metrics.RecordBlockedRequest(domain.ReasonUnauthorized)
	x.W.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", s.realm))
	x.W.WriteHeader(http.StatusUnauthorized)
	return rejected(http.StatusUnauthorized, domain.ReasonUnauthorized)
}

// cacheStage は /e/ 配下のアセットをキャッシュから返す
type cacheStage struct {
	prefix string
	assets domain.AssetProvider
}

func (s *cacheStage) Name() string { return "cache" }

func (s *cacheStage) Serve(x *Exchange) Result {
	r := x.R
	if !isRead(r) || !strings.HasPrefix(r.URL.Path, s.prefix) {
		return next()
	}

	asset, err := s.assets.GetAsset(r.Context(), r.URL.EscapedPath())
	if err != nil {
		if errors.Is(err, domain.ErrNotHandled) {
			return next()
		}
		return failed(err)
	}

	h := x.W.Header()
	h.Set("Content-Type", asset.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(asset.Data)))
	if asset.FromCache {
		h.Set("X-Cache", "HIT")
	} else {
		h.Set("X-Cache", "MISS")
	}
	x.W.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		x.W.Write(asset.Data)
	}
	return responded(http.StatusOK)
}

// routeStage は完全一致の固定ルート
type routeStage struct {
	files    map[string]string
	handlers map[string]RouteHandler
	resolver FileResolver
}

func (s *routeStage) Name() string { return "routes" }

func (s *routeStage) Serve(x *Exchange) Result {
	r := x.R
	if !isRead(r) {
		return next()
	}

	if h, ok := s.handlers[r.URL.Path]; ok {
		if err := h(x.W, r); err != nil {
			return failed(err)
		}
		return responded(http.StatusOK)
	}

	name, ok := s.files[r.URL.Path]
	if !ok {
		return next()
	}

	p, err := s.resolver.File(name)
	if err != nil {
		return failed(fmt.Errorf("route %s: %w", r.URL.Path, err))
	}
	return serveFile(x.W, r, p)
}

// resolverStage はワイルドカードでファイルを解決する
type resolverStage struct {
	resolver FileResolver
}

func (s *resolverStage) Name() string { return "resolver" }

func (s *resolverStage) Serve(x *Exchange) Result {
	r := x.R
	if !isRead(r) {
		return next()
	}

	p, err := s.resolver.Resolve(r.URL.EscapedPath())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return next()
		}
		return failed(err)
	}
	return serveFile(x.W, r, p)
}

func serveFile(w http.ResponseWriter, r *http.Request, p string) Result {
	f, err := os.Open(p)
	if err != nil {
		return failed(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return failed(err)
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return responded(http.StatusOK)
}

func isRead(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}
