package handshake

import (
	"html/template"
	"io"
	"time"
)

// DefaultContent はハンドシェイク成功後に表示する既定の内容.
const DefaultContent = `<h1>埋め込みコンテンツ</h1><p>ここが表示されます。</p>`

const pageTemplate = `<!doctype html>
<html lang="ja">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<div id="app">Waiting for parent...</div>
<template id="gated-content">{{.Content}}</template>
<script>
const EXPECTED_PARENT = {{.ParentOrigin}};
const EXPECTED_TOKEN = {{.Token}};
const MESSAGE_TYPE = {{.MessageType}};
const ACK_TYPE = {{.AckType}};
let state = "unconfirmed";

function showDenied() {
  document.getElementById("app").textContent = "Access denied";
}

const timer = setTimeout(() => {
  if (state !== "unconfirmed") return;
  state = "denied";
  showDenied();
}, {{.TimeoutMillis}});

window.addEventListener("message", (e) => {
  if (state !== "unconfirmed") return;
  if (!EXPECTED_PARENT || e.origin !== EXPECTED_PARENT) return;
  let data = e.data;
  if (typeof data === "string") {
    try { data = JSON.parse(data); } catch (_) { return; }
  }
  if (!data || data.type !== MESSAGE_TYPE) return;
  if (!EXPECTED_TOKEN || data.token !== EXPECTED_TOKEN) return;
  state = "confirmed";
  clearTimeout(timer);
  e.source.postMessage({ type: ACK_TYPE }, e.origin);
  document.getElementById("app").innerHTML = document.getElementById("gated-content").innerHTML;
}, false);
</script>
</body>
</html>
`

var tmpl = template.Must(template.New("handshake").Parse(pageTemplate))

// PageConfig は配信ページの設定.
type PageConfig struct {
	Title        string
	ParentOrigin string
	Token        string
	Timeout      time.Duration
	Content      template.HTML
}

// Page はハンドシェイクを行う埋め込みドキュメント.
type Page struct {
	data pageData
}

type pageData struct {
	Title         string
	ParentOrigin  string
	Token         string
	MessageType   string
	AckType       string
	TimeoutMillis int64
	Content       template.HTML
}

// NewPage は新しいPageを作成する.
func NewPage(cfg PageConfig) *Page {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Title == "" {
		cfg.Title = "埋め込みコンテンツ"
	}
	if cfg.Content == "" {
		cfg.Content = DefaultContent
	}

	return &Page{data: pageData{
		Title:         cfg.Title,
		ParentOrigin:  cfg.ParentOrigin,
		Token:         cfg.Token,
		MessageType:   MessageType,
		AckType:       AckType,
		TimeoutMillis: cfg.Timeout.Milliseconds(),
		Content:       cfg.Content,
	}}
}

// Render はページを書き出す.
func (p *Page) Render(w io.Writer) error {
	return tmpl.Execute(w, p.data)
}
