package alert

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogChannelLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ch := NewLogChannel("log", zap.New(core))
	assert.Equal(t, "log", ch.Name())

	for _, lvl := range []string{LevelInfo, LevelWarning, LevelError, LevelCritical} {
		require.NoError(t, ch.Send(Alert{
			Level:     lvl,
			Message:   "msg " + lvl,
			Timestamp: time.Now(),
			Fields:    map[string]interface{}{"level": 2},
		}))
	}

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, "log", entries[0].ContextMap()["channel"])
	assert.EqualValues(t, 2, entries[0].ContextMap()["level"])
}

func TestLogChannelNilLogger(t *testing.T) {
	assert.NoError(t, NewLogChannel("log", nil).Send(Alert{Message: "x"}))
}

// fakeTelegram 模拟 Bot API 的 getMe / sendMessage
type fakeTelegram struct {
	mu       sync.Mutex
	messages []map[string]string
	failSend bool
}

func (f *fakeTelegram) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		if !strings.Contains(r.URL.Path, "/botgood-token/") {
			w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
			return
		}
		w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"grid","username":"grid_bot"}}`))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		if f.failSend {
			w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		r.ParseForm()
		f.mu.Lock()
		f.messages = append(f.messages, map[string]string{
			"chat_id": r.FormValue("chat_id"),
			"text":    r.FormValue("text"),
		})
		f.mu.Unlock()
		w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
	default:
		http.NotFound(w, r)
	}
}

func TestTelegramChannelSend(t *testing.T) {
	fake := &fakeTelegram{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	ch, err := NewTelegramChannel("good-token", "42", srv.URL+"/bot%s/%s")
	require.NoError(t, err)
	assert.Equal(t, "telegram", ch.Name())

	require.NoError(t, ch.Send(Alert{
		Level:   LevelWarning,
		Message: "买入被放弃",
		Fields:  map[string]interface{}{"reason": "fee_too_high", "level": 3},
	}))

	require.Len(t, fake.messages, 1)
	assert.Equal(t, "42", fake.messages[0]["chat_id"])
	assert.Equal(t, "⚠️ [WARNING] 买入被放弃\nlevel: 3\nreason: fee_too_high", fake.messages[0]["text"])

	fake.failSend = true
	err = ch.Send(Alert{Level: LevelInfo, Message: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestNewTelegramChannelErrors(t *testing.T) {
	fake := &fakeTelegram{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()
	endpoint := srv.URL + "/bot%s/%s"

	tests := []struct {
		name   string
		token  string
		chatID string
		want   string
	}{
		{"缺少token", "", "42", "required"},
		{"缺少chat", "good-token", "", "required"},
		{"chat非数字", "good-token", "@channel", "invalid telegram chat id"},
		{"token无效", "bad-token", "42", "telegram bot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTelegramChannel(tt.token, tt.chatID, endpoint)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFormatTextIcons(t *testing.T) {
	assert.True(t, strings.HasPrefix(formatText(Alert{Level: LevelCritical, Message: "m"}), "🚨 [CRITICAL] m"))
	assert.True(t, strings.HasPrefix(formatText(Alert{Level: LevelError, Message: "m"}), "❌"))
	assert.Equal(t, "ℹ️ [INFO] m", formatText(Alert{Level: LevelInfo, Message: "m"}))
}

func TestMockChannel(t *testing.T) {
	mock := NewMockChannel("mock")
	require.NoError(t, mock.Send(Alert{Message: "a"}))
	assert.Equal(t, 1, mock.Count())

	mock.SetShouldError(true)
	assert.Error(t, mock.Send(Alert{Message: "b"}))
	assert.Equal(t, 1, mock.Count())

	mock.Clear()
	assert.Zero(t, mock.Count())
}
