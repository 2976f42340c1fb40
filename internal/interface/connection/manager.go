package connection

import (
	"net"
	"sync"
	"time"

	"github.com/Xerox-Pro/Xeroxproxy-ver2.0notpw/internal/domain"
)

// Manager はトンネル用のコネクションを管理する.
// ハイジャックした接続を追跡し、シャットダウン時や最大存続期間超過時に閉じる.
type Manager struct {
	mu          sync.Mutex
	connections map[net.Conn]*trackedConn
	dialTimeout time.Duration
	maxLifetime time.Duration
	closed      bool
	done        chan struct{}
}

type trackedConn struct {
	conn      net.Conn
	createdAt time.Time
}

var _ domain.ConnectionManager = (*Manager)(nil)

// NewManager は新しいManagerインスタンスを作成
func NewManager(dialTimeout, maxLifetime time.Duration) *Manager {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	m := &Manager{
		connections: make(map[net.Conn]*trackedConn),
		dialTimeout: dialTimeout,
		maxLifetime: maxLifetime,
		done:        make(chan struct{}),
	}

	// 定期的なクリーンアップを開始
	if maxLifetime > 0 {
		go m.periodicCleanup()
	}

	return m
}

// Dial はバックエンドへの新しい接続を作成
func (m *Manager) Dial(host string) (net.Conn, error) {
	return net.DialTimeout("tcp", host, m.dialTimeout)
}

// Track は接続を追跡対象に登録し、解除用の関数を返す
func (m *Manager) Track(conn net.Conn) func() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return func() {}
	}
	m.connections[conn] = &trackedConn{conn: conn, createdAt: time.Now()}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.connections, conn)
			m.mu.Unlock()
		})
	}
}

// Active は追跡中の接続数を返す
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// CloseAll は全ての接続を閉じる
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tc := range m.connections {
		tc.conn.Close()
	}
	m.connections = make(map[net.Conn]*trackedConn)

	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// periodicCleanup は定期的に古い接続を閉じる
func (m *Manager) periodicCleanup() {
	interval := m.maxLifetime / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			m.cleanup(now)
		case <-m.done:
			return
		}
	}
}

// cleanup は最大存続期間を超えた接続を閉じる
func (m *Manager) cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, tc := range m.connections {
		if now.Sub(tc.createdAt) > m.maxLifetime {
			tc.conn.Close()
			delete(m.connections, key)
		}
	}
}
