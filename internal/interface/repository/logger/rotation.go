package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// RotationConfig はログローテーションの設定を表す.
type RotationConfig struct {
	MaxSize    int64         // バイト単位の最大サイズ
	MaxAge     time.Duration // ログファイルの最大保持期間
	MaxBackups int           // 保持する古いログファイルの最大数
}

// DefaultRotationConfig はデフォルトのログローテーション設定を返す.
func DefaultRotationConfig() *RotationConfig {
	return &RotationConfig{
		MaxSize:    100 * 1024 * 1024,  // 100MB
		MaxAge:     7 * 24 * time.Hour, // 7日
		MaxBackups: 5,
	}
}

// rotatingFile はサイズでローテーションするファイル出力.
type rotatingFile struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	size   int64
	config *RotationConfig
}

var _ zapcore.WriteSyncer = (*rotatingFile)(nil)

func openRotatingFile(path string, config *RotationConfig) (*rotatingFile, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &rotatingFile{
		path:   path,
		file:   file,
		size:   info.Size(),
		config: config,
	}, nil
}

// Write はログを書き込み、最大サイズに達していればローテーション.
func (f *rotatingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.size+int64(len(p)) > f.config.MaxSize && f.size > 0 {
		if err := f.rotate(); err != nil {
			// ローテーション失敗時も書き込みは継続
			fmt.Fprintf(os.Stderr, "Failed to rotate log: %v\n", err)
		}
	}

	n, err := f.file.Write(p)
	f.size += int64(n)
	return n, err
}

// Sync はファイルを同期.
func (f *rotatingFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Sync()
}

// Close はファイルを閉じる.
func (f *rotatingFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}

// rotate はログファイルをローテーション.
func (f *rotatingFile) rotate() error {
	if err := f.file.Close(); err != nil {
		return err
	}

	if err := rotateFile(f.path); err != nil {
		return err
	}

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	f.file = file
	f.size = 0
	return nil
}

// rotateFile はログファイルをタイムスタンプ付きの名前に変更.
func rotateFile(basePath string) error {
	timestamp := time.Now().Format("20060102150405.000")
	rotatedPath := fmt.Sprintf("%s.%s", basePath, timestamp)

	return os.Rename(basePath, rotatedPath)
}

// cleanOldLogs は保持期間を過ぎたファイルと上限数を超えたファイルを削除.
func cleanOldLogs(basePath string, config *RotationConfig, now time.Time) error {
	files, err := filepath.Glob(basePath + ".*")
	if err != nil {
		return err
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}

	var logFiles []fileInfo
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		logFiles = append(logFiles, fileInfo{f, info.ModTime()})
	}

	// 新しい順
	sort.Slice(logFiles, func(i, j int) bool {
		return logFiles[i].modTime.After(logFiles[j].modTime)
	})

	for i, f := range logFiles {
		if now.Sub(f.modTime) > config.MaxAge || (config.MaxBackups > 0 && i >= config.MaxBackups) {
			os.Remove(f.path)
		}
	}

	return nil
}
