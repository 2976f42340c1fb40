package handler

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/handshake"
)

// NewCheckHandler はハンドシェイクページを返すルートハンドラを作成.
// ゲートを通過したリクエストにのみ到達する.
func NewCheckHandler(page *handshake.Page) RouteHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		var buf bytes.Buffer
		if err := page.Render(&buf); err != nil {
			return err
		}

		h := w.Header()
		h.Set("Content-Type", "text/html; charset=utf-8")
		h.Set("Content-Length", strconv.Itoa(buf.Len()))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			w.Write(buf.Bytes())
		}
		return nil
	}
}
