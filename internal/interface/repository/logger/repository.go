package logger

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
)

// Repository はロガーのリポジトリ実装.
type Repository struct {
	zap    *zap.Logger
	file   *rotatingFile
	config *RotationConfig
	done   chan struct{}
}

// Verify interface implementation.
var _ domain.Logger = (*Repository)(nil)

// New は標準出力とローテーションファイルに書き込むRepositoryインスタンスを作成.
func New(directory, filename, level string, config *RotationConfig) (
	*Repository, error,
) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, err
	}

	if config == nil {
		config = DefaultRotationConfig()
	}

	lvl := zapcore.InfoLevel
	if level != "" {
		if parsed, err := zapcore.ParseLevel(level); err == nil {
			lvl = parsed
		}
	}

	file, err := openRotatingFile(filepath.Join(directory, filename), config)
	if err != nil {
		return nil, err
	}

	encoder := zapcore.NewJSONEncoder(encoderConfig())
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), lvl),
		zapcore.NewCore(encoder, file, lvl),
	)

	logger := &Repository{
		zap:    zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)),
		file:   file,
		config: config,
		done:   make(chan struct{}),
	}

	// ログクリーンアップを定期的に実行
	go logger.periodicCleanup()

	return logger, nil
}

// NewWithZap は既存の zap.Logger をラップする. テストや組み込み用途向け.
func NewWithZap(z *zap.Logger) *Repository {
	return &Repository{zap: z.WithOptions(zap.AddCallerSkip(1))}
}

// NewNop は何も出力しないロガーを返す.
func NewNop() *Repository {
	return NewWithZap(zap.NewNop())
}

// Info はINFOレベルのログを記録.
func (r *Repository) Info(msg string, fields map[string]interface{}) {
	r.zap.Info(msg, toZapFields(nil, fields)...)
}

// Warn はWARNレベルのログを記録.
func (r *Repository) Warn(msg string, fields map[string]interface{}) {
	r.zap.Warn(msg, toZapFields(nil, fields)...)
}

// Error はERRORレベルのログを記録.
func (r *Repository) Error(
	msg string, err error, fields map[string]interface{},
) {
	r.zap.Error(msg, toZapFields(err, fields)...)
}

// Debug はDEBUGレベルのログを記録.
func (r *Repository) Debug(msg string, fields map[string]interface{}) {
	r.zap.Debug(msg, toZapFields(nil, fields)...)
}

// periodicCleanup は定期的に古いログファイルを削除.
func (r *Repository) periodicCleanup() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			cleanOldLogs(r.file.path, r.config, now)
		case <-r.done:
			return
		}
	}
}

// Close はロガーのリソースを解放.
func (r *Repository) Close() error {
	_ = r.zap.Sync()
	if r.file == nil {
		return nil
	}
	close(r.done)
	return r.file.Close()
}
