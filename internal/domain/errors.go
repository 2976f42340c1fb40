package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotHandled は該当ステージが処理対象外であることを示す. 呼び出し側は次のステージへ進む.
	ErrNotHandled = errors.New("not handled")
	// ErrNotFound はローカルリソースが見つからないことを示す.
	ErrNotFound = errors.New("resource not found")
)

// ErrGateDenied はアクセス拒否エラー.
type ErrGateDenied struct {
	Reason DenyReason
}

func (e *ErrGateDenied) Error() string {
	return fmt.Sprintf("access denied: %s", e.Reason)
}

// ErrUpstreamUnreachable は上流への接続失敗エラー.
type ErrUpstreamUnreachable struct {
	URL string
	Err error
}

func (e *ErrUpstreamUnreachable) Error() string {
	return fmt.Sprintf("failed to fetch upstream %s: %v", e.URL, e.Err)
}

func (e *ErrUpstreamUnreachable) Unwrap() error {
	return e.Err
}

// ErrUpstreamRejected は上流が成功以外のステータスを返したことを示す.
type ErrUpstreamRejected struct {
	URL    string
	Status int
}

func (e *ErrUpstreamRejected) Error() string {
	return fmt.Sprintf("upstream %s responded with status %d", e.URL, e.Status)
}

// Is により errors.Is(err, ErrNotHandled) が成立する.
func (e *ErrUpstreamRejected) Is(target error) bool {
	return target == ErrNotHandled
}
