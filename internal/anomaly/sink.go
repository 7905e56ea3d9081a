package anomaly

import "context"

// Sink 检测事件的下游（日志、数据库日志、告警、指标）
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// SinkFunc 函数适配
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Record(ctx context.Context, e Event) error { return f(ctx, e) }
