package alert

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// LogChannel 日志告警通道
type LogChannel struct {
	logger *zap.Logger
	name   string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{
		logger: logger.With(zap.String("channel", name)),
		name:   name,
	}
}

// Send 按级别写入日志
func (c *LogChannel) Send(alert Alert) error {
	fields := make([]zap.Field, 0, len(alert.Fields)+1)
	fields = append(fields, zap.Time("alert_ts", alert.Timestamp))
	for _, k := range sortedKeys(alert.Fields) {
		fields = append(fields, zap.Any(k, alert.Fields[k]))
	}

	switch alert.Level {
	case "WARNING":
		c.logger.Warn(alert.Message, fields...)
	case "ERROR", "CRITICAL":
		c.logger.Error(alert.Message, fields...)
	default:
		c.logger.Info(alert.Message, fields...)
	}
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string {
	return c.name
}

// telegramSender *tgbotapi.BotAPI 满足此接口
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel 推送到 Telegram 会话
type TelegramChannel struct {
	bot    telegramSender
	chatID int64
	name   string
}

// NewTelegramChannel 创建 Telegram 通道；endpoint 为空时使用官方地址。
// 创建时会调用一次 getMe 校验 token。
func NewTelegramChannel(token, chatID, endpoint string) (*TelegramChannel, error) {
	if token == "" || chatID == "" {
		return nil, fmt.Errorf("telegram token and chat id required")
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramChannel{bot: bot, chatID: id, name: "telegram"}, nil
}

// Send 发送一条纯文本消息
func (c *TelegramChannel) Send(alert Alert) error {
	msg := tgbotapi.NewMessage(c.chatID, formatText(alert))
	msg.DisableWebPagePreview = true
	if _, err := c.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Name 返回通道名称
func (c *TelegramChannel) Name() string {
	return c.name
}

func formatText(alert Alert) string {
	icon := "ℹ️"
	switch alert.Level {
	case "WARNING":
		icon = "⚠️"
	case "ERROR":
		icon = "❌"
	case "CRITICAL":
		icon = "🚨"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", icon, alert.Level, alert.Message)
	for _, k := range sortedKeys(alert.Fields) {
		fmt.Fprintf(&b, "\n%s: %v", k, alert.Fields[k])
	}
	return b.String()
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MockChannel 模拟告警通道（用于测试）
type MockChannel struct {
	name      string
	alerts    []Alert
	shouldErr bool
	mu        sync.Mutex
}

// NewMockChannel 创建模拟告警通道
func NewMockChannel(name string) *MockChannel {
	return &MockChannel{
		name:   name,
		alerts: make([]Alert, 0),
	}
}

// Send 记录告警（用于测试验证）
func (c *MockChannel) Send(alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return fmt.Errorf("mock error")
	}
	c.alerts = append(c.alerts, alert)
	return nil
}

// Name 返回通道名称
func (c *MockChannel) Name() string {
	return c.name
}

// GetAlerts 获取所有接收到的告警
func (c *MockChannel) GetAlerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// SetShouldError 设置是否返回错误
func (c *MockChannel) SetShouldError(shouldErr bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldErr = shouldErr
}

// Clear 清空告警记录
func (c *MockChannel) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = make([]Alert, 0)
}

// Count 返回接收到的告警数量
func (c *MockChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}
