package handler

import (
	"net/http"

	"golang.org/x/net/http/httpguts"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
)

// Gateway はリクエストとアップグレードをトンネルとローカルアプリケーションに振り分ける
type Gateway struct {
	tunnel  domain.Tunnel
	app     http.Handler
	metrics domain.MetricsCollector
	logger  domain.Logger
}

// NewGateway は新しいGatewayインスタンスを作成
func NewGateway(
	tunnel domain.Tunnel,
	app http.Handler,
	metrics domain.MetricsCollector,
	logger domain.Logger,
) *Gateway {
	return &Gateway{
		tunnel:  tunnel,
		app:     app,
		metrics: metrics,
		logger:  logger,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if IsUpgrade(r) {
		g.serveUpgrade(w, r)
		return
	}

	if g.tunnel.ShouldRoute(r) {
		g.metrics.RecordRequest(domain.OutcomeTunnel)
		g.tunnel.RouteRequest(w, r)
		return
	}

	g.app.ServeHTTP(w, r)
}

// serveUpgrade はトンネル対象のアップグレードのみ引き渡し、それ以外は即座に切断する
func (g *Gateway) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	if g.tunnel.ShouldRoute(r) {
		g.metrics.RecordRequest(domain.OutcomeTunnel)
		g.tunnel.RouteUpgrade(w, r)
		return
	}

	g.metrics.RecordRequest(domain.OutcomeRejected)
	g.logger.Debug("Upgrade rejected", map[string]interface{}{
		"path":    r.URL.Path,
		"upgrade": r.Header.Get("Upgrade"),
	})

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, _, err := hijacker.Hijack()
	if err != nil {
		g.logger.Error("Hijacking failed", err, nil)
		return
	}
	conn.Close()
}

// IsUpgrade は接続のアップグレード要求かを判定する
func IsUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") != "" &&
		httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade")
}
