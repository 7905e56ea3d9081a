package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterHTTPRoutes 注册健康检查路由；snapshot 可为 nil
func RegisterHTTPRoutes(r gin.IRoutes, aggregator *Aggregator, readiness *Readiness, snapshot Snapshot) {
	// GET /health/ready
	r.GET("/health/ready", func(c *gin.Context) {
		ready := aggregator.Ready(c.Request.Context())
		if readiness != nil {
			ready = readiness.Ready(c.Request.Context())
		}
		if !ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "ready": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "ready": true})
	})

	// GET /health/live
	r.GET("/health/live", func(c *gin.Context) {
		if !aggregator.Alive() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"alive": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"alive": true})
	})

	// GET /health 降级仍返回 200
	r.GET("/health", func(c *gin.Context) {
		report := aggregator.Report(c.Request.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	})

	if snapshot == nil {
		return
	}
	// GET /health/session 完整会话快照
	r.GET("/health/session", func(c *gin.Context) {
		c.JSON(http.StatusOK, snapshot())
	})
}
