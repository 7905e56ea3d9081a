package realtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// DialOptions 单次连接使用的身份
type DialOptions struct {
	ClientID string // 每次连接重新生成
	UserID   string
	DeviceID string
	Online   bool
}

// TransportHandler 传输层回调
type TransportHandler interface {
	// OnMessage 收到一条订阅消息
	OnMessage(topic string, payload []byte)
	// OnLost 连接中断；err 为 nil 表示对端正常关闭
	OnLost(err error)
}

// Transport 底层连接。Connect 可在 Close 后再次调用
type Transport interface {
	Connect(ctx context.Context, opts DialOptions, h TransportHandler) error
	Subscribe(ctx context.Context, topics ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// newClientID 16 字节随机 hex
func newClientID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
