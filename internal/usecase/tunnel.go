package usecase

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
)

// TunnelUseCase はトンネル接続の双方向転送を実装
type TunnelUseCase struct {
	metrics domain.MetricsCollector
	logger  domain.Logger
}

// RelayStats は転送結果を表す
type RelayStats struct {
	BytesIn  int64 // クライアント → バックエンド
	BytesOut int64 // バックエンド → クライアント
}

// NewTunnelUseCase は新しいTunnelUseCaseインスタンスを作成
func NewTunnelUseCase(
	metrics domain.MetricsCollector, logger domain.Logger,
) *TunnelUseCase {
	return &TunnelUseCase{
		metrics: metrics,
		logger:  logger,
	}
}

// Relay はクライアントとバックエンドの間でデータを双方向に転送する.
// どちらかの方向が終了するとハーフクローズし、両方向の完了を待つ.
func (uc *TunnelUseCase) Relay(
	ctx context.Context, clientConn, serverConn net.Conn,
) (RelayStats, error) {
	uc.metrics.IncrementConnections()
	defer uc.metrics.DecrementConnections()

	var (
		wg       sync.WaitGroup
		bytesIn  atomic.Int64
		bytesOut atomic.Int64
	)
	wg.Add(2)

	// エラーチャネル
	errc := make(chan error, 2)

	// クライアント → サーバー
	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024) // 32KB buffer
		n, err := io.CopyBuffer(serverConn, clientConn, buf)
		bytesIn.Add(n)
		if err != nil && !isConnectionClosed(err) {
			uc.logger.Error("クライアント→サーバー転送失敗", err, nil)
			errc <- err
		}
		closeWrite(serverConn)
	}()

	// サーバー → クライアント
	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024) // 32KB buffer
		n, err := io.CopyBuffer(clientConn, serverConn, buf)
		bytesOut.Add(n)
		if err != nil && !isConnectionClosed(err) {
			uc.logger.Error("サーバー→クライアント転送失敗", err, nil)
			errc <- err
		}
		closeWrite(clientConn)
	}()

	// ゴルーチンの完了を待つ
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errc:
	case <-done:
	}

	// 残っている転送を止めてから集計する
	clientConn.Close()
	serverConn.Close()
	<-done

	stats := RelayStats{BytesIn: bytesIn.Load(), BytesOut: bytesOut.Load()}
	uc.metrics.AddBytesTransferred(stats.BytesIn + stats.BytesOut)
	return stats, err
}

// closeWrite は書き込み側をシャットダウンする
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

// isConnectionClosed は接続が正常に閉じられたかを判断
func isConnectionClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
