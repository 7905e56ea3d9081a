package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteTimeout = 10 * time.Second

// Frame 传输帧类型
const (
	FrameConnect   = "connect"
	FrameSubscribe = "subscribe"
	FramePublish   = "publish"
)

// Frame JSON 文本帧
type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnectPayload connect 帧负载
type ConnectPayload struct {
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Online   bool   `json:"online"`
}

// WSTransport 以 JSON 帧承载订阅消息的 websocket 传输层
type WSTransport struct {
	url     string
	headers func() http.Header
	dialer  *websocket.Dialer
	logger  *zap.Logger

	mu   sync.Mutex
	conn *wsConn
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *wsConn) send(f Frame) error {
	if c.closed.Load() {
		return errors.New("websocket is closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(f)
}

func (c *wsConn) close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// NewWSTransport 创建 websocket 传输层
func NewWSTransport(url string, headers func() http.Header, logger *zap.Logger) *WSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTransport{
		url:     url,
		headers: headers,
		dialer:  &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		logger:  logger,
	}
}

func (t *WSTransport) Connect(ctx context.Context, opts DialOptions, h TransportHandler) error {
	var hdr http.Header
	if t.headers != nil {
		hdr = t.headers().Clone()
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.url, hdr)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	c := &wsConn{conn: conn}

	payload, _ := json.Marshal(ConnectPayload{
		ClientID: opts.ClientID,
		UserID:   opts.UserID,
		DeviceID: opts.DeviceID,
		Online:   opts.Online,
	})
	if err := c.send(Frame{Type: FrameConnect, Payload: payload}); err != nil {
		_ = c.close()
		return fmt.Errorf("websocket connect frame: %w", err)
	}

	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
	go t.readLoop(c, h)
	return nil
}

func (t *WSTransport) readLoop(c *wsConn, h TransportHandler) {
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if c.closed.Load() {
				return
			}
			_ = c.close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.OnLost(nil)
				return
			}
			t.logger.Warn("websocket read error", zap.Error(err))
			h.OnLost(err)
			return
		}
		if f.Type != FramePublish || f.Topic == "" {
			continue
		}
		h.OnMessage(f.Topic, f.Payload)
	}
}

func (t *WSTransport) current() (*wsConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.conn.closed.Load() {
		return nil, errors.New("websocket: not connected")
	}
	return t.conn, nil
}

func (t *WSTransport) Subscribe(_ context.Context, topics ...string) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(topics)
	return c.send(Frame{Type: FrameSubscribe, Payload: payload})
}

func (t *WSTransport) Ping(ctx context.Context) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	deadline := time.Now().Add(wsWriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.close()
}
