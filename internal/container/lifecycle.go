package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"grid-swap-go/infrastructure/logger"
	"grid-swap-go/metrics"
)

// Component 进程内可启停的组件
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HealthChecker 可选：实现后参与 CheckHealth
type HealthChecker interface {
	Health() error
}

// Hook 用函数拼装组件，未设置的回调视为空操作。
type Hook struct {
	ComponentName string
	OnStart       func(ctx context.Context) error
	OnStop        func(ctx context.Context) error
	OnHealth      func() error
}

func (h Hook) Name() string { return h.ComponentName }

func (h Hook) Start(ctx context.Context) error {
	if h.OnStart == nil {
		return nil
	}
	return h.OnStart(ctx)
}

func (h Hook) Stop(ctx context.Context) error {
	if h.OnStop == nil {
		return nil
	}
	return h.OnStop(ctx)
}

func (h Hook) Health() error {
	if h.OnHealth == nil {
		return nil
	}
	return h.OnHealth()
}

// LifecycleManager 按注册顺序启动，逆序停止。
// opMu 串行化启停；mu 只保护状态，组件回调期间不持有，/healthz 不会被启停阻塞。
type LifecycleManager struct {
	components []Component
	started    int
	logger     *logger.Logger

	opMu sync.Mutex
	mu   sync.Mutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager(log *logger.Logger) *LifecycleManager {
	if log == nil {
		log = logger.NewNop()
	}
	return &LifecycleManager{logger: log}
}

// Register 注册组件
func (m *LifecycleManager) Register(c Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, c)
}

// StartAll 按顺序启动；任一失败则逆序停止已启动的组件并返回错误。
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	for {
		m.mu.Lock()
		if m.started >= len(m.components) {
			m.mu.Unlock()
			return nil
		}
		c := m.components[m.started]
		m.mu.Unlock()

		if err := c.Start(ctx); err != nil {
			m.stopStarted(context.WithoutCancel(ctx))
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		m.mu.Lock()
		m.started++
		m.mu.Unlock()
		m.logger.Info("component started", zap.String("component", c.Name()))
	}
}

// StopAll 逆序停止已启动的组件，返回所有停止错误。
func (m *LifecycleManager) StopAll(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.stopStarted(ctx)
}

func (m *LifecycleManager) stopStarted(ctx context.Context) error {
	m.mu.Lock()
	running := append([]Component(nil), m.components[:m.started]...)
	m.started = 0
	m.mu.Unlock()

	var errs []error
	for i := len(running) - 1; i >= 0; i-- {
		c := running[i]
		if err := c.Stop(ctx); err != nil {
			m.logger.LogError(err, map[string]interface{}{"component": c.Name(), "action": "stop"})
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
			continue
		}
		m.logger.Info("component stopped", zap.String("component", c.Name()))
	}
	return errors.Join(errs...)
}

// CheckHealth 第一个不健康组件的错误；尚未全部启动也视为不健康。
func (m *LifecycleManager) CheckHealth() error {
	m.mu.Lock()
	started, total := m.started, len(m.components)
	components := append([]Component(nil), m.components...)
	m.mu.Unlock()

	if started < total {
		return fmt.Errorf("%d of %d components started", started, total)
	}
	for _, c := range components {
		hc, ok := c.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", c.Name(), err)
		}
	}
	return nil
}

// Names 已注册组件名称
func (m *LifecycleManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.components))
	for _, c := range m.components {
		names = append(names, c.Name())
	}
	return names
}

// HTTPServer 以组件方式托管 /metrics 与 /healthz
type HTTPServer struct {
	name    string
	addr    string
	handler http.Handler
	logger  *logger.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewHTTPServer 创建 HTTP 组件；监听失败在 Start 时同步返回。
func NewHTTPServer(name, addr string, handler http.Handler, log *logger.Logger) *HTTPServer {
	if log == nil {
		log = logger.NewNop()
	}
	return &HTTPServer{name: name, addr: addr, handler: handler, logger: log}
}

func (h *HTTPServer) Name() string { return h.name }

func (h *HTTPServer) Start(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server != nil {
		return nil
	}
	srv, err := metrics.StartMetricsServer(h.addr, h.handler, h.logger.Logger)
	if err != nil {
		return err
	}
	h.server = srv
	h.logger.Info("http server listening", zap.String("component", h.name), zap.String("addr", srv.Addr))
	return nil
}

func (h *HTTPServer) Stop(ctx context.Context) error {
	h.mu.Lock()
	srv := h.server
	h.server = nil
	h.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", h.name, err)
	}
	return nil
}

func (h *HTTPServer) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server == nil {
		return fmt.Errorf("%s not started", h.name)
	}
	return nil
}

// Addr 实际监听地址（addr 为 :0 时用于测试）
func (h *HTTPServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server == nil {
		return ""
	}
	return h.server.Addr
}
