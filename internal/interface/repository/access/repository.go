package access

import (
	"crypto/subtle"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
)

// 同一オリジンのサブリソースとして読み込まれる拡張子. Referer が子ページになるためゲート対象外.
var exemptExtensions = map[string]bool{
	".css": true, ".js": true, ".mjs": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true, ".webp": true,
	".svg": true, ".avif": true, ".apng": true, ".bmp": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".mp4": true, ".webm": true, ".mp3": true, ".wav": true,
	".json": true, ".map": true,
}

// Repository はアクセスゲートの実装
type Repository struct {
	policy  domain.AccessPolicy
	origins map[string]bool
	logger  domain.Logger
}

var _ domain.AccessController = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成
func New(policy domain.AccessPolicy, logger domain.Logger) *Repository {
	r := &Repository{
		policy:  policy,
		origins: normalizeOrigins(policy.AllowedOrigins),
		logger:  logger,
	}

	logger.Info("Access policy loaded", map[string]interface{}{
		"allowed_origins":   len(r.origins),
		"secret_token":      policy.SecretToken != "",
		"same_origin":       policy.AllowSameOrigin,
		"exempt_routes":     policy.ExemptRoutes,
		"handshake_enabled": policy.HandshakeToken != "",
	})

	return r
}

// Evaluate はリクエストの Referer とトークンを評価する.
// 許可リストの "scheme://host" はスキームまで一致したときのみ許可する.
// ホストのみのエントリ ("parent.example") は http を含む任意のスキームに一致する.
func (r *Repository) Evaluate(req domain.GateRequest) domain.GateDecision {
	if r.tokenMatches(req.QueryToken) {
		return domain.Allow()
	}

	// 直アクセスは拒否
	if req.Referer == "" {
		return domain.Deny(domain.ReasonMissingReferer)
	}

	u, err := url.Parse(req.Referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return domain.Deny(domain.ReasonMalformedReferer)
	}

	host := strings.ToLower(u.Host)
	origin := strings.ToLower(u.Scheme) + "://" + host
	if r.origins[origin] || r.origins[host] {
		return domain.Allow()
	}

	// iframe 内でのページ遷移
	if r.policy.AllowSameOrigin {
		self := r.policy.SelfHost
		if self == "" {
			self = req.Host
		}
		if self != "" && strings.EqualFold(host, self) {
			return domain.Allow()
		}
	}

	return domain.Deny(domain.ReasonOriginNotAllowed)
}

// FrameAncestors は frame-ancestors ディレクティブの値を返す
func (r *Repository) FrameAncestors() string {
	if len(r.origins) == 0 {
		return "'none'"
	}

	sources := make([]string, 0, len(r.origins))
	for o := range r.origins {
		sources = append(sources, o)
	}
	sort.Strings(sources)
	return strings.Join(sources, " ")
}

func (r *Repository) tokenMatches(token string) bool {
	if r.policy.SecretToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.policy.SecretToken)) == 1
}

// IsExemptPath は静的アセット拡張子かどうかを判定する
func IsExemptPath(p string) bool {
	return exemptExtensions[path.Ext(p)]
}
