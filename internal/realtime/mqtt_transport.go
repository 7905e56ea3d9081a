package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig MQTT-over-websocket 端点
type MQTTConfig struct {
	BrokerURL string        `mapstructure:"brokerURL"`
	Origin    string        `mapstructure:"origin"`
	KeepAlive time.Duration `mapstructure:"keepAlive"`
	QoS       byte          `mapstructure:"qos"`
}

// MQTTTransport 基于 paho 的传输层；自动重连关闭，由 Channel 负责
type MQTTTransport struct {
	cfg     MQTTConfig
	headers func() http.Header
	logger  *zap.Logger

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTTransport headers 在每次建连时调用，通常返回身份元数据与 cookie
func NewMQTTTransport(cfg MQTTConfig, headers func() http.Header, logger *zap.Logger) *MQTTTransport {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTTransport{cfg: cfg, headers: headers, logger: logger}
}

// mqttUsername 连接用户名字段，服务端据此识别会话能力
func mqttUsername(opts DialOptions) string {
	u, _ := json.Marshal(map[string]any{
		"u":          opts.UserID,
		"s":          0,
		"cp":         3,
		"ecp":        10,
		"chat_on":    opts.Online,
		"fg":         false,
		"d":          opts.ClientID,
		"ct":         "websocket",
		"mqtt_sid":   "",
		"aid":        opts.DeviceID,
		"st":         []string{},
		"pm":         []string{},
		"dc":         "",
		"no_auto_fg": true,
		"gas":        nil,
		"pack":       []string{},
	})
	return string(u)
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MQTTTransport) Connect(ctx context.Context, opts DialOptions, h TransportHandler) error {
	if t.cfg.BrokerURL == "" {
		return errors.New("mqtt: broker URL not configured")
	}
	o := mqtt.NewClientOptions().
		AddBroker(t.cfg.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(mqttUsername(opts)).
		SetProtocolVersion(3).
		SetKeepAlive(t.cfg.KeepAlive).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetOrderMatters(false)
	if dl, ok := ctx.Deadline(); ok {
		o.SetConnectTimeout(time.Until(dl))
	}
	hdr := http.Header{}
	if t.headers != nil {
		hdr = t.headers().Clone()
	}
	if t.cfg.Origin != "" {
		hdr.Set("Origin", t.cfg.Origin)
	}
	o.SetHTTPHeaders(hdr)
	o.SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
		h.OnMessage(m.Topic(), m.Payload())
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.logger.Warn("mqtt connection lost", zap.Error(err))
		h.OnLost(err)
	})

	c := mqtt.NewClient(o)
	if err := waitToken(ctx, c.Connect()); err != nil {
		c.Disconnect(0)
		return fmt.Errorf("mqtt connect: %w", err)
	}

	t.mu.Lock()
	t.client = c
	t.mu.Unlock()
	t.logger.Debug("mqtt connected", zap.String("broker", t.cfg.BrokerURL), zap.String("client_id", opts.ClientID))
	return nil
}

func (t *MQTTTransport) current() (mqtt.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, errors.New("mqtt: not connected")
	}
	return t.client, nil
}

func (t *MQTTTransport) Subscribe(ctx context.Context, topics ...string) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	filters := make(map[string]byte, len(topics))
	for _, tp := range topics {
		filters[tp] = t.cfg.QoS
	}
	if err := waitToken(ctx, c.SubscribeMultiple(filters, nil)); err != nil {
		return fmt.Errorf("mqtt subscribe %d topics: %w", len(topics), err)
	}
	return nil
}

// Ping paho 自行维持 keepalive，这里只检查连接是否仍然打开
func (t *MQTTTransport) Ping(context.Context) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	if !c.IsConnectionOpen() {
		return errors.New("mqtt: connection not open")
	}
	return nil
}

func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	c := t.client
	t.client = nil
	t.mu.Unlock()
	if c != nil {
		c.Disconnect(250)
	}
	return nil
}
