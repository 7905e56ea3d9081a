// Package realtime 维护到推送服务的长连接：显式状态机、心跳与质量分、指数退避重连。
//
// 所有定时器都经由注入的 clock 调度；每次连接有独立的代数（generation），
// 过期连接的回调与定时器一律忽略。事件在释放锁之后同步投递给唯一的回调。
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/chatguard/internal/apperr"
	"github.com/taoyao-code/chatguard/internal/clock"
)

const (
	maxQuality       = 100
	messageBonus     = 1
	malformedPenalty = 5
	silencePenalty   = 10
	lostPenalty      = 20
	pingTimeout      = 10 * time.Second
)

var errPoorQuality = errors.New("connection quality below floor")

// Credentials 当前登录用户与设备身份，每次建连时读取
type Credentials struct {
	UserID   string
	DeviceID string
	Online   bool
}

// Config 通道配置
type Config struct {
	HeartbeatInterval     time.Duration `mapstructure:"heartbeatInterval"`
	SilenceThreshold      time.Duration `mapstructure:"silenceThreshold"`
	QualityFloor          int           `mapstructure:"qualityFloor"`
	InitialReconnectDelay time.Duration `mapstructure:"initialReconnectDelay"`
	MaxReconnectDelay     time.Duration `mapstructure:"maxReconnectDelay"`
	ReconnectFactor       float64       `mapstructure:"reconnectFactor"`
	MaxReconnectAttempts  int           `mapstructure:"maxReconnectAttempts"`
	DialTimeout           time.Duration `mapstructure:"dialTimeout"`
	Topics                []string      `mapstructure:"topics"`
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 5 * time.Minute
	}
	if c.QualityFloor <= 0 {
		c.QualityFloor = 30
	}
	if c.InitialReconnectDelay <= 0 {
		c.InitialReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.ReconnectFactor <= 1 {
		c.ReconnectFactor = 1.5
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if len(c.Topics) == 0 {
		c.Topics = DefaultTopics()
	}
}

// NextDelay 重连延迟增长：×factor，封顶 max
func (c Config) NextDelay(d time.Duration) time.Duration {
	return min(time.Duration(float64(d)*c.ReconnectFactor), c.MaxReconnectDelay)
}

// Channel 实时通道
type Channel struct {
	transport Transport
	creds     func() (Credentials, error)
	cfg       Config
	clock     clock.Clock
	logger    *zap.Logger
	handler   Handler

	mu          sync.Mutex
	state       State
	gen         uint64
	quality     int
	attempts    int
	nextDelay   time.Duration
	messages    int64
	malformed   int64
	lastMessage time.Time
	heartbeat   clock.Timer
	retry       clock.Timer
	runCtx      context.Context
	runCancel   context.CancelFunc
}

// Option Channel 可选项
type Option func(*Channel)

func WithClock(c clock.Clock) Option  { return func(ch *Channel) { ch.clock = c } }
func WithLogger(l *zap.Logger) Option { return func(ch *Channel) { ch.logger = l } }
func WithHandler(h Handler) Option    { return func(ch *Channel) { ch.handler = h } }

// New 创建通道，需调用 Connect 建连
func New(t Transport, creds func() (Credentials, error), cfg Config, opts ...Option) *Channel {
	cfg.applyDefaults()
	c := &Channel{
		transport: t,
		creds:     creds,
		cfg:       cfg,
		clock:     clock.Real(),
		logger:    zap.NewNop(),
		quality:   maxQuality,
		nextDelay: cfg.InitialReconnectDelay,
		runCtx:    context.Background(),
		runCancel: func() {},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastMessage = c.clock.Now()
	return c
}

// link 绑定到某一代连接的传输层回调
type link struct {
	c   *Channel
	gen uint64
}

func (l *link) OnMessage(topic string, payload []byte) { l.c.deliver(l.gen, topic, payload) }
func (l *link) OnLost(err error)                       { l.c.lost(l.gen, err) }

func (c *Channel) emit(evs []Event) {
	if c.handler == nil {
		return
	}
	for _, e := range evs {
		c.handler(e)
	}
}

func (c *Channel) transitionLocked(to State) bool {
	if !canTransition(c.state, to) {
		c.logger.Error("invalid realtime state transition",
			zap.Stringer("from", c.state), zap.Stringer("to", to))
		return false
	}
	c.logger.Debug("realtime state", zap.Stringer("from", c.state), zap.Stringer("to", to))
	c.state = to
	return true
}

func (c *Channel) credentials() (Credentials, error) {
	cr, err := c.creds()
	if err != nil {
		return Credentials{}, apperr.Wrap(apperr.CodeValidation, err, "resolve realtime credentials", "login first")
	}
	if cr.UserID == "" {
		return Credentials{}, apperr.New(apperr.CodeValidation, "user ID not found", "login first")
	}
	return cr, nil
}

// Connect 建连并订阅。仅在 Disconnected 状态下可调用；首次建连失败直接返回错误，不进入重连
func (c *Channel) Connect(ctx context.Context) error {
	cr, err := c.credentials()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("realtime: connect called in state %s", st)
	}
	c.transitionLocked(StateConnecting)
	c.gen++
	g := c.gen
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	runCtx := c.runCtx
	c.mu.Unlock()

	c.logger.Info("connecting realtime channel", zap.String("user_id", cr.UserID))
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	stop := context.AfterFunc(runCtx, cancel)
	err = c.dial(dctx, g, cr)
	stop()
	cancel()

	if err != nil {
		c.mu.Lock()
		if g == c.gen {
			c.gen++
			c.transitionLocked(StateDisconnected)
			c.runCancel()
		}
		c.mu.Unlock()
		_ = c.transport.Close()
		return fmt.Errorf("realtime connect: %w", err)
	}

	evs, ok := c.onConnected(g)
	if !ok {
		_ = c.transport.Close()
		return errors.New("realtime: disconnected while connecting")
	}
	c.emit(evs)
	return nil
}

func (c *Channel) dial(ctx context.Context, g uint64, cr Credentials) error {
	opts := DialOptions{ClientID: newClientID(), UserID: cr.UserID, DeviceID: cr.DeviceID, Online: cr.Online}
	if err := c.transport.Connect(ctx, opts, &link{c: c, gen: g}); err != nil {
		return err
	}
	if err := c.transport.Subscribe(ctx, c.cfg.Topics...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (c *Channel) onConnected(g uint64) ([]Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g != c.gen || (c.state != StateConnecting && c.state != StateReconnecting) {
		return nil, false
	}
	now := c.clock.Now()
	c.transitionLocked(StateConnected)
	c.attempts = 0
	c.nextDelay = c.cfg.InitialReconnectDelay
	c.quality = maxQuality
	c.lastMessage = now
	c.startHeartbeatLocked(g)
	c.logger.Info("realtime channel connected", zap.Strings("topics", c.cfg.Topics))
	return []Event{{Kind: EventConnect, At: now}}, true
}

func (c *Channel) startHeartbeatLocked(g uint64) {
	c.stopHeartbeatLocked()
	c.heartbeat = c.clock.AfterFunc(c.cfg.HeartbeatInterval, func() { c.beat(g) })
}

func (c *Channel) stopHeartbeatLocked() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

func (c *Channel) stopTimersLocked() {
	c.stopHeartbeatLocked()
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// beat 心跳：检查静默时长并衰减质量分，质量过低时强制重连，否则 ping
func (c *Channel) beat(g uint64) {
	c.mu.Lock()
	if g != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	if silence := now.Sub(c.lastMessage); silence > c.cfg.SilenceThreshold {
		c.quality = max(0, c.quality-silencePenalty)
		c.logger.Warn("no inbound realtime messages",
			zap.Duration("silence", silence), zap.Int("quality", c.quality))

		if c.quality < c.cfg.QualityFloor {
			c.logger.Warn("realtime connection quality poor, forcing reconnect", zap.Int("quality", c.quality))
			c.gen++
			c.heartbeat = nil
			evs, _ := c.scheduleReconnectLocked(errPoorQuality)
			c.mu.Unlock()
			_ = c.transport.Close()
			c.emit(evs)
			return
		}
	}
	c.heartbeat = c.clock.AfterFunc(c.cfg.HeartbeatInterval, func() { c.beat(g) })
	runCtx := c.runCtx
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(runCtx, pingTimeout)
	err := c.transport.Ping(ctx)
	cancel()
	if err != nil {
		c.lost(g, fmt.Errorf("heartbeat ping: %w", err))
	}
}

// deliver 处理一条入站消息；解码失败只扣质量分
func (c *Channel) deliver(g uint64, topic string, payload []byte) {
	c.mu.Lock()
	if g != c.gen || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	c.messages++
	c.quality = min(maxQuality, c.quality+messageBonus)
	c.lastMessage = now

	ev, known, err := decode(topic, payload, now)
	if err != nil {
		c.malformed++
		c.quality = max(0, c.quality-malformedPenalty)
		q := c.quality
		c.mu.Unlock()
		c.logger.Warn("malformed realtime payload dropped",
			zap.String("topic", topic), zap.Int("quality", q), zap.Error(err))
		return
	}
	c.mu.Unlock()

	if !known {
		c.logger.Debug("realtime payload on unknown topic", zap.String("topic", topic))
		return
	}
	c.emit([]Event{ev})
}

// lost 传输层断开：err 非空进入 Offline，否则 Closed，随后安排重连
func (c *Channel) lost(g uint64, err error) {
	c.mu.Lock()
	if g != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	c.gen++
	c.stopHeartbeatLocked()

	var evs []Event
	if err != nil {
		c.transitionLocked(StateOffline)
		evs = append(evs, Event{Kind: EventError, At: now, Err: err})
	} else {
		c.transitionLocked(StateClosed)
	}
	c.quality = max(0, c.quality-lostPenalty)
	c.logger.Warn("realtime connection lost",
		zap.Stringer("state", c.state), zap.Int("quality", c.quality), zap.Error(err))

	more, terminal := c.scheduleReconnectLocked(err)
	evs = append(evs, more...)
	c.mu.Unlock()

	if terminal {
		_ = c.transport.Close()
	}
	c.emit(evs)
}

// scheduleReconnectLocked 安排下一次重连；次数耗尽时进入终态 Disconnected
func (c *Channel) scheduleReconnectLocked(cause error) ([]Event, bool) {
	now := c.clock.Now()
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.gen++
		c.stopTimersLocked()
		c.transitionLocked(StateDisconnected)
		c.runCancel()
		fatal := apperr.Wrap(apperr.CodeChannelFatal, cause,
			fmt.Sprintf("realtime channel gave up after %d reconnect attempts", c.attempts),
			"check network connectivity and session validity, then reconnect")
		c.logger.Error("max realtime reconnect attempts reached, giving up", zap.Int("attempts", c.attempts))
		return []Event{
			{Kind: EventError, At: now, Err: fatal},
			{Kind: EventMaxReconnect, At: now, Err: fatal},
		}, true
	}

	c.transitionLocked(StateReconnecting)
	c.attempts++
	d := c.nextDelay
	c.nextDelay = c.cfg.NextDelay(d)
	g := c.gen
	c.retry = c.clock.AfterFunc(d, func() { c.reconnect(g) })
	c.logger.Info("reconnecting realtime channel",
		zap.Int("attempt", c.attempts),
		zap.Int("max_attempts", c.cfg.MaxReconnectAttempts),
		zap.Duration("delay", d))
	return nil, false
}

func (c *Channel) reconnect(g uint64) {
	c.mu.Lock()
	if g != c.gen || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.gen++
	ng := c.gen
	c.retry = nil
	runCtx := c.runCtx
	c.mu.Unlock()

	_ = c.transport.Close()
	cr, err := c.credentials()
	if err == nil {
		ctx, cancel := context.WithTimeout(runCtx, c.cfg.DialTimeout)
		err = c.dial(ctx, ng, cr)
		cancel()
	}

	if err != nil {
		c.mu.Lock()
		if ng != c.gen || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.logger.Warn("realtime reconnect failed", zap.Int("attempt", c.attempts), zap.Error(err))
		evs, terminal := c.scheduleReconnectLocked(err)
		c.mu.Unlock()
		if terminal {
			_ = c.transport.Close()
		}
		c.emit(evs)
		return
	}

	evs, ok := c.onConnected(ng)
	if !ok {
		_ = c.transport.Close()
		return
	}
	c.emit(evs)
}

// Disconnect 停止心跳与重连、关闭连接并进入 Disconnected；可重复调用
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	c.stopTimersLocked()
	c.transitionLocked(StateDisconnected)
	c.runCancel()
	c.mu.Unlock()

	c.logger.Info("disconnecting realtime channel")
	return c.transport.Close()
}

// State 当前状态
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected 是否处于 Connected 状态
func (c *Channel) Connected() bool { return c.State() == StateConnected }

// Stats 通道统计
type Stats struct {
	Connected            bool          `json:"connected"`
	State                string        `json:"state"`
	Quality              int           `json:"quality"`
	ReconnectAttempts    int           `json:"reconnect_attempts"`
	NextReconnectDelay   time.Duration `json:"next_reconnect_delay"`
	MessageCount         int64         `json:"message_count"`
	MalformedCount       int64         `json:"malformed_count"`
	LastMessageTime      time.Time     `json:"last_message_time"`
	TimeSinceLastMessage time.Duration `json:"time_since_last_message"`
}

// Stats 获取统计信息
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Connected:            c.state == StateConnected,
		State:                c.state.String(),
		Quality:              c.quality,
		ReconnectAttempts:    c.attempts,
		NextReconnectDelay:   c.nextDelay,
		MessageCount:         c.messages,
		MalformedCount:       c.malformed,
		LastMessageTime:      c.lastMessage,
		TimeSinceLastMessage: c.clock.Since(c.lastMessage),
	}
}
