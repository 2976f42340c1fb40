package domain

import (
	"net"
	"net/http"
)

// Tunnel はトンネリングプロキシのインターフェース.
// ShouldRoute が true を返したリクエストはローカルアプリケーションに渡らない.
type Tunnel interface {
	ShouldRoute(r *http.Request) bool
	RouteRequest(w http.ResponseWriter, r *http.Request)
	RouteUpgrade(w http.ResponseWriter, r *http.Request)
}

// ConnectionManager は接続管理のインターフェース.
type ConnectionManager interface {
	Dial(host string) (net.Conn, error)
	Track(conn net.Conn) func()
	Active() int
	CloseAll() error
}

// Route は完全一致パスとローカルファイルの対応.
type Route struct {
	Path string `mapstructure:"path" yaml:"path"`
	File string `mapstructure:"file" yaml:"file"`
}
