package handler

import (
	"net/http"
	"os"
	"strconv"
)

const fallbackBody = "<!doctype html><title>Not Found</title><h1>Not Found</h1>\n"

// Fallback は 404 と 500 に同じ本文を返す
type Fallback struct {
	path string
}

// NewFallback は新しいFallbackインスタンスを作成. path が読めない場合は組み込みの本文を使う.
func NewFallback(path string) *Fallback {
	return &Fallback{path: path}
}

// Serve は指定ステータスでフォールバックリソースを返す
func (f *Fallback) Serve(w http.ResponseWriter, r *http.Request, status int) {
	body := []byte(fallbackBody)
	if f.path != "" {
		if data, err := os.ReadFile(f.path); err == nil {
			body = data
		}
	}

	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		w.Write(body)
	}
}
