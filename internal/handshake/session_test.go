package handshake

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const parentOrigin = "https://parent.example"

type recordedAck struct {
	data   interface{}
	origin string
}

type fakeSource struct {
	acks []recordedAck
}

func (s *fakeSource) PostMessage(data interface{}, targetOrigin string) {
	s.acks = append(s.acks, recordedAck{data, targetOrigin})
}

type fakeTimer struct {
	d       time.Duration
	fire    func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

type sessionFixture struct {
	session  *Session
	timer    *fakeTimer
	revealed int
	denied   int
}

func newFixture(t *testing.T, token string) *sessionFixture {
	t.Helper()

	f := &sessionFixture{}
	f.session = NewSession(Config{
		ExpectedOrigin: parentOrigin,
		Token:          token,
		OnReveal:       func() { f.revealed++ },
		OnDeny:         func() { f.denied++ },
		AfterFunc: func(d time.Duration, fn func()) Timer {
			require.Nil(t, f.timer, "timer armed twice")
			f.timer = &fakeTimer{d: d, fire: fn}
			return f.timer
		},
	})
	f.session.Start()
	f.session.Start()
	return f
}

func TestReceiveConfirms(t *testing.T) {
	f := newFixture(t, "tok")
	source := &fakeSource{}

	assert.Equal(t, DefaultTimeout, f.timer.d)

	ok := f.session.Receive(Message{
		Origin: parentOrigin,
		Data:   map[string]interface{}{"type": "handshake", "token": "tok"},
		Source: source,
	})
	require.True(t, ok)
	assert.Equal(t, Confirmed, f.session.State())
	assert.True(t, f.timer.stopped)
	assert.Equal(t, 1, f.revealed)

	require.Len(t, source.acks, 1)
	assert.Equal(t, Ack{Type: AckType}, source.acks[0].data)
	assert.Equal(t, parentOrigin, source.acks[0].origin)

	// 確認済みのセッションは二度目の応答を返さない
	assert.False(t, f.session.Receive(Message{
		Origin: parentOrigin,
		Data:   map[string]string{"type": "handshake", "token": "tok"},
		Source: source,
	}))
	assert.Len(t, source.acks, 1)

	// タイマーが後から発火しても状態は変わらない
	f.timer.fire()
	assert.Equal(t, Confirmed, f.session.State())
	assert.Equal(t, 0, f.denied)
}

func TestReceiveIgnores(t *testing.T) {
	testCases := []struct {
		name string
		msg  Message
	}{
		{"Wrong origin", Message{Origin: "https://evil.example", Data: `{"type":"handshake","token":"tok"}`}},
		{"Empty origin", Message{Origin: "", Data: `{"type":"handshake","token":"tok"}`}},
		{"Origin prefix", Message{Origin: parentOrigin + ".evil", Data: `{"type":"handshake","token":"tok"}`}},
		{"Wrong token", Message{Origin: parentOrigin, Data: `{"type":"handshake","token":"nope"}`}},
		{"Missing token", Message{Origin: parentOrigin, Data: `{"type":"handshake"}`}},
		{"Other type", Message{Origin: parentOrigin, Data: `{"type":"resize","token":"tok"}`}},
		{"Invalid JSON", Message{Origin: parentOrigin, Data: `{"type":`}},
		{"Unsupported payload", Message{Origin: parentOrigin, Data: 42}},
		{"Nil payload", Message{Origin: parentOrigin}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "tok")
			source := &fakeSource{}
			tc.msg.Source = source

			assert.False(t, f.session.Receive(tc.msg))
			assert.Equal(t, Unconfirmed, f.session.State())
			assert.Empty(t, source.acks)
			assert.Equal(t, 0, f.revealed)
		})
	}
}

func TestReceivePayloadForms(t *testing.T) {
	testCases := []struct {
		name string
		data interface{}
	}{
		{"JSON string", `{"type":"handshake","token":"tok"}`},
		{"Bytes", []byte(`{"type":"handshake","token":"tok"}`)},
		{"Raw message", json.RawMessage(`{"type":"handshake","token":"tok"}`)},
		{"Map", map[string]interface{}{"type": "handshake", "token": "tok"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "tok")
			assert.True(t, f.session.Receive(Message{Origin: parentOrigin, Data: tc.data}))
			assert.Equal(t, Confirmed, f.session.State())
		})
	}
}

func TestTimeoutDenies(t *testing.T) {
	f := newFixture(t, "tok")
	source := &fakeSource{}

	f.timer.fire()
	assert.Equal(t, Denied, f.session.State())
	assert.Equal(t, 1, f.denied)

	// 拒否後の正しいメッセージでも復帰しない
	assert.False(t, f.session.Receive(Message{
		Origin: parentOrigin,
		Data:   `{"type":"handshake","token":"tok"}`,
		Source: source,
	}))
	assert.Equal(t, Denied, f.session.State())
	assert.Empty(t, source.acks)
	assert.Equal(t, 0, f.revealed)

	f.timer.fire()
	assert.Equal(t, 1, f.denied)
}

func TestEmptyTokenNeverConfirms(t *testing.T) {
	f := newFixture(t, "")

	assert.False(t, f.session.Receive(Message{
		Origin: parentOrigin,
		Data:   `{"type":"handshake","token":""}`,
	}))
	assert.Equal(t, Unconfirmed, f.session.State())
}

func TestRealTimer(t *testing.T) {
	denied := make(chan struct{})
	session := NewSession(Config{
		ExpectedOrigin: parentOrigin,
		Token:          "tok",
		Timeout:        10 * time.Millisecond,
		OnDeny:         func() { close(denied) },
	})
	session.Start()

	select {
	case <-denied:
		assert.Equal(t, Denied, session.State())
	case <-time.After(time.Second):
		t.Fatal("session was not denied")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unconfirmed", Unconfirmed.String())
	assert.Equal(t, "confirmed", Confirmed.String())
	assert.Equal(t, "denied", Denied.String())
	assert.Equal(t, "unknown", State(9).String())
}
