package upstream

import (
	"net/url"
	"path"
	"strings"
)

// DefaultMediaType は不明な拡張子に使うメディアタイプ.
const DefaultMediaType = "application/octet-stream"

// 拡張子に関わらずバイナリとして扱う拡張子 (ゲームデータのバンドル).
var forcedBinary = map[string]bool{
	".unityweb": true,
}

var mediaTypes = map[string]string{
	".html":  "text/html",
	".htm":   "text/html",
	".css":   "text/css",
	".js":    "application/javascript",
	".mjs":   "application/javascript",
	".json":  "application/json",
	".map":   "application/json",
	".xml":   "application/xml",
	".txt":   "text/plain",
	".wasm":  "application/wasm",
	".png":   "image/png",
	".apng":  "image/apng",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".ico":   "image/vnd.microsoft.icon",
	".webp":  "image/webp",
	".svg":   "image/svg+xml",
	".avif":  "image/avif",
	".bmp":   "image/bmp",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".eot":   "application/vnd.ms-fontobject",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
	".mp3":   "audio/mpeg",
	".wav":   "audio/wav",
	".ogg":   "audio/ogg",
	".swf":   "application/x-shockwave-flash",
	".zip":   "application/zip",
	".gz":    "application/gzip",
}

// MediaType は上流URLの拡張子からメディアタイプを決定する.
func MediaType(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}

	ext := strings.ToLower(path.Ext(p))
	if forcedBinary[ext] {
		return DefaultMediaType
	}
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	return DefaultMediaType
}
