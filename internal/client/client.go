// Package client 顶层门面：启动探测、门控执行动作、按需建立实时监听与健康查询。
package client

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/taoyao-code/chatguard/internal/anomaly"
	"github.com/taoyao-code/chatguard/internal/clock"
	"github.com/taoyao-code/chatguard/internal/identity"
	"github.com/taoyao-code/chatguard/internal/realtime"
	"github.com/taoyao-code/chatguard/internal/session"
)

// ErrLoggedOut 登出后调用
var ErrLoggedOut = errors.New("client: logged out")

// Options 监听选项
type Options struct {
	UserID       string `mapstructure:"userID"`       // 当前登录用户
	SelfListen   bool   `mapstructure:"selfListen"`   // 是否接收自己发出的消息
	ListenEvents bool   `mapstructure:"listenEvents"` // 是否接收 typing/presence
	Online       bool   `mapstructure:"online"`
}

// Client 门面，并发安全
type Client struct {
	orch      *session.Orchestrator
	store     *identity.Store
	transport realtime.Transport
	chCfg     realtime.Config
	clock     clock.Clock
	logger    *zap.Logger

	mu        sync.Mutex
	opts      Options
	channel   *realtime.Channel
	handler   realtime.Handler
	loggedOut bool
}

// Option Client 可选项
type Option func(*Client)

func WithClock(c clock.Clock) Option  { return func(cl *Client) { cl.clock = c } }
func WithLogger(l *zap.Logger) Option { return func(cl *Client) { cl.logger = l } }

// New 创建门面；transport 为 nil 时 Listen 不可用
func New(orch *session.Orchestrator, store *identity.Store, transport realtime.Transport,
	chCfg realtime.Config, opts Options, options ...Option) *Client {
	c := &Client{
		orch:      orch,
		store:     store,
		transport: transport,
		chCfg:     chCfg,
		opts:      opts,
		clock:     clock.Real(),
		logger:    zap.NewNop(),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Start 加载身份并执行账号状态探测
func (c *Client) Start(ctx context.Context, probe session.Call) error {
	if c.isLoggedOut() {
		return ErrLoggedOut
	}
	return c.orch.Bootstrap(ctx, probe)
}

// Do 门控执行一次动作
func (c *Client) Do(ctx context.Context, a session.Action, call session.Call) (*anomaly.Response, anomaly.Report, error) {
	if c.isLoggedOut() {
		return nil, anomaly.Report{}, ErrLoggedOut
	}
	return c.orch.Execute(ctx, a, call)
}

func (c *Client) isLoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *Client) credentials() (realtime.Credentials, error) {
	c.mu.Lock()
	opts := c.opts
	c.mu.Unlock()
	return realtime.Credentials{
		UserID:   opts.UserID,
		DeviceID: c.store.Snapshot().DeviceID,
		Online:   opts.Online,
	}, nil
}

// Listen 首次调用时建立实时通道；再次调用只替换回调。返回的 stop 断开通道，可重复调用
func (c *Client) Listen(ctx context.Context, h realtime.Handler) (func(), error) {
	c.mu.Lock()
	if c.loggedOut {
		c.mu.Unlock()
		return nil, ErrLoggedOut
	}
	if c.transport == nil {
		c.mu.Unlock()
		return nil, errors.New("client: realtime transport not configured")
	}
	c.handler = h
	if ch := c.channel; ch != nil {
		c.mu.Unlock()
		return c.stopper(ch), nil
	}

	var ch *realtime.Channel
	ch = realtime.New(c.transport, c.credentials, c.chCfg,
		realtime.WithClock(c.clock),
		realtime.WithLogger(c.logger.Named("realtime")),
		realtime.WithHandler(func(e realtime.Event) { c.dispatch(ch, e) }))
	c.channel = ch
	c.mu.Unlock()

	c.orch.AttachChannel(func() *realtime.Stats {
		st := ch.Stats()
		return &st
	})
	if err := ch.Connect(ctx); err != nil {
		c.drop(ch)
		return nil, err
	}
	return c.stopper(ch), nil
}

func (c *Client) stopper(ch *realtime.Channel) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := c.drop(ch); err != nil {
				c.logger.Warn("realtime disconnect failed", zap.Error(err))
			}
		})
	}
}

// drop 断开并解除通道；ch 已被替换时只断开 ch 本身
func (c *Client) drop(ch *realtime.Channel) error {
	c.mu.Lock()
	current := c.channel == ch
	if current {
		c.channel = nil
	}
	c.mu.Unlock()
	if current {
		c.orch.AttachChannel(nil)
	}
	return ch.Disconnect()
}

// dispatch 按监听选项过滤事件后交给回调
func (c *Client) dispatch(ch *realtime.Channel, e realtime.Event) {
	c.mu.Lock()
	h := c.handler
	opts := c.opts
	c.mu.Unlock()

	switch e.Kind {
	case realtime.EventMessage:
		if !opts.SelfListen && e.Message != nil && e.Message.SenderID == opts.UserID {
			return
		}
	case realtime.EventTyping, realtime.EventPresence:
		if !opts.ListenEvents {
			return
		}
	case realtime.EventMaxReconnect:
		c.logger.Error("realtime channel gave up, dropping it", zap.Error(e.Err))
		_ = c.drop(ch)
	}
	if h != nil {
		h(e)
	}
}

// SetOnline 修改在线状态；已有通道会被断开，下次 Listen 以新状态建连
func (c *Client) SetOnline(online bool) {
	c.mu.Lock()
	changed := c.opts.Online != online
	c.opts.Online = online
	ch := c.channel
	c.mu.Unlock()
	if changed && ch != nil {
		_ = c.drop(ch)
	}
}

// Listening 是否存在实时通道
func (c *Client) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel != nil
}

// Health 聚合健康快照
func (c *Client) Health() session.Health { return c.orch.Health() }

// SetActivityProfile 切换活跃度档位
func (c *Client) SetActivityProfile(name string) error {
	if err := c.orch.SetProfile(name); err != nil {
		return err
	}
	c.logger.Info("activity profile set", zap.String("profile", name))
	return nil
}

// Logout 断开实时通道并终止会话，之后的调用返回 ErrLoggedOut
func (c *Client) Logout() error {
	c.mu.Lock()
	if c.loggedOut {
		c.mu.Unlock()
		return nil
	}
	c.loggedOut = true
	ch := c.channel
	c.mu.Unlock()

	var err error
	if ch != nil {
		err = c.drop(ch)
	}
	c.orch.Close()
	c.logger.Info("logged out")
	return err
}
