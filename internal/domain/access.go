package domain

// DenyReason は拒否理由を表す. レスポンスには含めずログとメトリクスでのみ使用する.
type DenyReason string

const (
	ReasonMissingReferer   DenyReason = "missing_referer"
	ReasonMalformedReferer DenyReason = "malformed_referer"
	ReasonOriginNotAllowed DenyReason = "origin_not_allowed"
	ReasonUnauthorized     DenyReason = "unauthorized"
)

// AccessPolicy は起動時に一度だけ構築されるアクセスポリシー.
type AccessPolicy struct {
	// AllowedOrigins はホスト名 ("example.com") またはオリジン ("https://example.com").
	AllowedOrigins  []string
	SecretToken     string
	HandshakeToken  string
	SelfHost        string
	AllowSameOrigin bool
	ExemptRoutes    bool
}

// GateRequest はゲート評価に必要なリクエスト情報.
type GateRequest struct {
	Origin     string
	Referer    string
	QueryToken string
	Host       string
}

// GateDecision はゲートの評価結果.
type GateDecision struct {
	Allowed bool
	Reason  DenyReason
}

// Allow は許可の判定を返す.
func Allow() GateDecision {
	return GateDecision{Allowed: true}
}

// Deny は拒否の判定を返す.
func Deny(reason DenyReason) GateDecision {
	return GateDecision{Reason: reason}
}

// AccessController はアクセス制御のインターフェース.
type AccessController interface {
	Evaluate(req GateRequest) GateDecision
	FrameAncestors() string
}
