// Package handshake は埋め込みドキュメントと親フレームの間の postMessage ハンドシェイクを定義する.
//
// Session はプロトコルの状態遷移そのもので、Page が配信するスクリプトは同じ遷移をブラウザ内で実行する.
package handshake

import (
	"crypto/subtle"
	"encoding/json"
	"sync"
	"time"
)

const (
	// MessageType は親から送られるハンドシェイクメッセージの type.
	MessageType = "handshake"
	// AckType は確認応答の type.
	AckType = "handshake-ack"
	// DefaultTimeout はハンドシェイク完了までの猶予.
	DefaultTimeout = 3 * time.Second
)

// State はセッションの状態.
type State int

const (
	Unconfirmed State = iota
	Confirmed
	Denied
)

func (s State) String() string {
	switch s {
	case Unconfirmed:
		return "unconfirmed"
	case Confirmed:
		return "confirmed"
	case Denied:
		return "denied"
	}
	return "unknown"
}

// Replier はメッセージ送信元へ返信する手段.
type Replier interface {
	PostMessage(data interface{}, targetOrigin string)
}

// Message は受信したメッセージイベント.
type Message struct {
	Origin string
	Data   interface{}
	Source Replier
}

// Ack は確認応答のペイロード.
type Ack struct {
	Type string `json:"type"`
}

type payload struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Timer は停止可能なタイマー.
type Timer interface {
	Stop() bool
}

// Config はセッションの設定.
type Config struct {
	ExpectedOrigin string
	Token          string
	Timeout        time.Duration
	OnReveal       func()
	OnDeny         func()
	// AfterFunc は time.AfterFunc の差し替え用.
	AfterFunc func(d time.Duration, f func()) Timer
}

// Session は一つの埋め込みドキュメントのハンドシェイク状態.
type Session struct {
	mu      sync.Mutex
	cfg     Config
	state   State
	timer   Timer
	started bool
}

// NewSession は新しいSessionを作成する. タイマーは Start で開始する.
func NewSession(cfg Config) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		}
	}
	return &Session{cfg: cfg}
}

// Start は拒否タイマーを一度だけ開始する.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.timer = s.cfg.AfterFunc(s.cfg.Timeout, s.expire)
}

// State は現在の状態を返す.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Receive はメッセージを処理し、confirmed へ遷移した場合に true を返す.
// 想定外のオリジン、解釈できないペイロード、トークン不一致は無視する.
func (s *Session) Receive(msg Message) bool {
	if msg.Origin == "" || msg.Origin != s.cfg.ExpectedOrigin {
		return false
	}

	p, ok := decodePayload(msg.Data)
	if !ok || p.Type != MessageType {
		return false
	}
	if s.cfg.Token == "" || subtle.ConstantTimeCompare([]byte(p.Token), []byte(s.cfg.Token)) != 1 {
		return false
	}

	s.mu.Lock()
	if s.state != Unconfirmed {
		s.mu.Unlock()
		return false
	}
	s.state = Confirmed
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	if msg.Source != nil {
		msg.Source.PostMessage(Ack{Type: AckType}, msg.Origin)
	}
	if s.cfg.OnReveal != nil {
		s.cfg.OnReveal()
	}
	return true
}

func (s *Session) expire() {
	s.mu.Lock()
	if s.state != Unconfirmed {
		s.mu.Unlock()
		return
	}
	s.state = Denied
	s.mu.Unlock()

	if s.cfg.OnDeny != nil {
		s.cfg.OnDeny()
	}
}

// decodePayload は構造化データまたはJSON文字列からペイロードを取り出す.
func decodePayload(data interface{}) (payload, bool) {
	var p payload

	switch v := data.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return p, false
		}
	case []byte:
		if err := json.Unmarshal(v, &p); err != nil {
			return p, false
		}
	case json.RawMessage:
		if err := json.Unmarshal(v, &p); err != nil {
			return p, false
		}
	case map[string]interface{}:
		p.Type, _ = v["type"].(string)
		p.Token, _ = v["token"].(string)
	case map[string]string:
		p.Type = v["type"]
		p.Token = v["token"]
	default:
		return p, false
	}

	return p, true
}
