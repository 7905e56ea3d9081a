package health

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taoyao-code/chatguard/internal/anomaly"
	"github.com/taoyao-code/chatguard/internal/storage/journal"
)

// DetectionJournal 跨进程检测记录的查询接口
type DetectionJournal interface {
	Query(ctx context.Context, f journal.Filter) ([]anomaly.Event, error)
	Count(ctx context.Context, f journal.Filter) (int, error)
}

// RegisterDetectionRoutes 注册检测日志查询路由。
//
// GET /health/detections?since=1h&type=checkpoint&session_id=...&limit=50
// since 为相对时长或 RFC3339 时间，缺省为 window；unhealthy 表示窗口内检测数达到阈值。
func RegisterDetectionRoutes(r gin.IRoutes, j DetectionJournal, window time.Duration, unhealthyCount int, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.GET("/health/detections", func(c *gin.Context) {
		f := journal.Filter{
			SessionID: c.Query("session_id"),
			Type:      anomaly.Type(c.Query("type")),
			Since:     now().Add(-window),
		}
		if v := c.Query("since"); v != "" {
			since, err := parseSince(v, now())
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since: " + err.Error()})
				return
			}
			f.Since = since
		}
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			f.Limit = n
		}

		ctx := c.Request.Context()
		count, err := j.Count(ctx, f)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		events, err := j.Query(ctx, f)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"since":     f.Since,
			"count":     count,
			"unhealthy": unhealthyCount > 0 && count >= unhealthyCount,
			"events":    events,
		})
	})
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339, v)
}
