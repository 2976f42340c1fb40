// Package tunnel は予約プレフィックス配下のトラフィックをベアサーバーへ転送する.
// トンネルのプロトコル自体は解釈せず、バイト列をそのまま中継する.
package tunnel

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/usecase"
)

// DefaultPrefix はトンネル用に予約されたパスプレフィックス.
const DefaultPrefix = "/ca/"

// Bare はベアサーバーへの転送を行うトンネル実装
type Bare struct {
	prefix  string
	backend *url.URL
	proxy   *httputil.ReverseProxy
	conns   domain.ConnectionManager
	relay   *usecase.TunnelUseCase
	logger  domain.Logger
}

var _ domain.Tunnel = (*Bare)(nil)

// New は新しいBareインスタンスを作成. backend が nil の場合は何も引き受けない.
func New(
	prefix string,
	backend *url.URL,
	conns domain.ConnectionManager,
	relay *usecase.TunnelUseCase,
	logger domain.Logger,
) *Bare {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	b := &Bare{
		prefix:  prefix,
		backend: backend,
		conns:   conns,
		relay:   relay,
		logger:  logger,
	}

	if backend != nil {
		b.proxy = httputil.NewSingleHostReverseProxy(backend)
		b.proxy.ErrorHandler = b.handleProxyError
	}

	return b
}

// Prefix は予約プレフィックスを返す
func (b *Bare) Prefix() string {
	return b.prefix
}

// ShouldRoute はリクエストがトンネルの対象かを判定
func (b *Bare) ShouldRoute(r *http.Request) bool {
	return b.backend != nil && strings.HasPrefix(r.URL.Path, b.prefix)
}

// RouteRequest は通常のHTTPリクエストをバックエンドへ転送
func (b *Bare) RouteRequest(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")

		// プリフライト
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET,HEAD,PUT,PATCH,POST,DELETE")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	b.proxy.ServeHTTP(w, r)
}

// RouteUpgrade はアップグレード要求の生の接続をバックエンドへ中継
func (b *Bare) RouteUpgrade(w http.ResponseWriter, r *http.Request) {
	serverConn, err := b.dialBackend()
	if err != nil {
		b.logger.Error("Failed to connect to tunnel backend", err, map[string]interface{}{
			"backend": b.backend.Host,
		})
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer serverConn.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		b.logger.Error("Hijacking not supported", nil, nil)
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		b.logger.Error("Hijacking failed", err, nil)
		return
	}
	defer clientConn.Close()

	release := b.conns.Track(clientConn)
	defer release()

	outreq := r.Clone(r.Context())
	outreq.URL.Scheme = b.backend.Scheme
	outreq.URL.Host = b.backend.Host
	outreq.URL.Path = joinPath(b.backend.Path, r.URL.Path)
	outreq.Host = b.backend.Host
	outreq.RequestURI = ""

	if err := outreq.Write(serverConn); err != nil {
		b.logger.Error("Failed to forward upgrade request", err, map[string]interface{}{
			"path": r.URL.Path,
		})
		return
	}

	// ハイジャック時点で読み込み済みのデータを先に流す
	client := net.Conn(clientConn)
	if bufrw != nil && bufrw.Reader.Buffered() > 0 {
		client = &bufferedConn{Conn: clientConn, r: bufrw.Reader}
	}

	stats, err := b.relay.Relay(r.Context(), client, serverConn)
	if err != nil {
		b.logger.Error("Tunnel relay failed", err, map[string]interface{}{
			"path": r.URL.Path,
		})
		return
	}

	b.logger.Debug("Tunnel closed", map[string]interface{}{
		"path":      r.URL.Path,
		"bytes_in":  stats.BytesIn,
		"bytes_out": stats.BytesOut,
	})
}

func (b *Bare) dialBackend() (net.Conn, error) {
	host := b.backend.Host
	secure := b.backend.Scheme == "https" || b.backend.Scheme == "wss"
	if b.backend.Port() == "" {
		if secure {
			host = net.JoinHostPort(b.backend.Hostname(), "443")
		} else {
			host = net.JoinHostPort(b.backend.Hostname(), "80")
		}
	}

	conn, err := b.conns.Dial(host)
	if err != nil {
		return nil, err
	}

	if secure {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: b.backend.Hostname()})
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
	return conn, nil
}

func (b *Bare) handleProxyError(w http.ResponseWriter, r *http.Request, err error) {
	b.logger.Error("Tunnel request failed", err, map[string]interface{}{
		"path": r.URL.Path,
	})
	w.WriteHeader(http.StatusBadGateway)
}

// bufferedConn はバッファ済みデータを含めて読み出す接続
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func joinPath(a, b string) string {
	switch {
	case a == "":
		return b
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	}
	return a + b
}

