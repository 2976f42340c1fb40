package handler

import (
	"net/http"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
)

// Outcome はステージの処理結果の種類
type Outcome int

const (
	// Continue は次のステージへ進む
	Continue Outcome = iota
	// Respond はステージがレスポンスを書き込み済み. 拒否の場合は Err に理由が入る
	Respond
	// Fail はステージでエラーが発生した. パイプラインが 500 を返す
	Fail
)

// Result はステージの処理結果
type Result struct {
	Outcome Outcome
	Status  int
	Err     error
}

func next() Result {
	return Result{Outcome: Continue}
}

func responded(status int) Result {
	return Result{Outcome: Respond, Status: status}
}

// rejected はアクセス拒否のレスポンスを書き込んだことを示す
func rejected(status int, reason domain.DenyReason) Result {
	return Result{Outcome: Respond, Status: status, Err: &domain.ErrGateDenied{Reason: reason}}
}

func failed(err error) Result {
	return Result{Outcome: Fail, Status: http.StatusInternalServerError, Err: err}
}

// Exchange は1リクエスト分のパイプライン状態
type Exchange struct {
	W http.ResponseWriter
	R *http.Request
	// SkipGate は静的アセットなどゲートを通さないリクエストで true
	SkipGate bool
}

// Stage はパイプラインの1段
type Stage interface {
	Name() string
	Serve(x *Exchange) Result
}

// RouteHandler は固定ルートに割り当てる動的ハンドラ
type RouteHandler func(w http.ResponseWriter, r *http.Request) error
