// Package metrics 暴露 Prometheus 指标与健康检查的 HTTP 服务。
package metrics

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// NewMux /metrics 使用给定 handler，/healthz 在 healthy 返回 true 时应答 200。
func NewMux(metricsHandler http.Handler, healthy func() bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, "unhealthy")
			return
		}
		io.WriteString(w, "ok")
	})
	return mux
}

// StartMetricsServer 启动Prometheus指标服务器。监听失败同步返回，之后在后台提供服务。
func StartMetricsServer(addr string, h http.Handler, log *zap.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server stopped", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}()
	return srv, nil
}
