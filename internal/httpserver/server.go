// Package httpserver 提供健康检查与指标的旁路 HTTP 服务。
package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taoyao-code/chatguard/internal/config"
)

// Server HTTP 服务封装
type Server struct {
	srv *http.Server
}

// Options 路由装配
type Options struct {
	MetricsPath string
	Metrics     http.Handler
	Ready       func(ctx context.Context) bool
	Routes      func(r gin.IRoutes)
}

// New 创建 Gin + HTTP Server，注册 /healthz /readyz 与指标路由
func New(cfg config.HTTPConfig, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/readyz", func(c *gin.Context) {
		if opts.Ready == nil || opts.Ready(c.Request.Context()) {
			c.String(http.StatusOK, "ready")
			return
		}
		c.String(http.StatusServiceUnavailable, "not-ready")
	})

	path := opts.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	if opts.Metrics != nil {
		r.GET(path, gin.WrapH(opts.Metrics))
	}
	if opts.Routes != nil {
		opts.Routes(r)
	}

	return &Server{srv: &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}}
}

// Handler 路由处理器
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start 启动服务（阻塞）；正常关闭时返回 nil
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
