package identity

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/taoyao-code/chatguard/internal/clock"
	"github.com/taoyao-code/chatguard/internal/jitter"
)

// Store 身份存储：加载失败、文档损坏时静默重新生成，从不返回致命错误
type Store struct {
	mu       sync.RWMutex
	backend  Backend
	codec    codec
	gen      generator
	clock    clock.Clock
	logger   *zap.Logger
	identity DeviceIdentity
	loaded   bool
}

// Option Store 可选项
type Option func(*Store)

func WithClock(c clock.Clock) Option   { return func(s *Store) { s.clock = c } }
func WithRand(r *jitter.Source) Option { return func(s *Store) { s.gen.rnd = r } }
func WithLogger(l *zap.Logger) Option  { return func(s *Store) { s.logger = l } }

// NewStore 创建身份存储，需调用 Load 后使用
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		codec:   codecFor(backend.Location()),
		clock:   clock.Real(),
		logger:  zap.NewNop(),
		gen:     generator{rnd: jitter.New()},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.gen.now = s.clock.Now
	return s
}

// Load 读取已持久化的身份；不存在或解析失败时生成新身份并写回
func (s *Store) Load(ctx context.Context) DeviceIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.backend.Location()
	data, err := s.backend.Read(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		s.regenerateLocked(ctx)
		s.logger.Debug("new device identity generated", zap.String("location", loc))
		return s.identity
	case err != nil:
		s.logger.Warn("read device identity failed, regenerating", zap.String("location", loc), zap.Error(err))
		s.regenerateLocked(ctx)
		return s.identity
	}

	var id DeviceIdentity
	if err := s.codec.unmarshal(data, &id); err != nil {
		s.logger.Warn("device identity corrupted, regenerating", zap.String("location", loc), zap.Error(err))
		s.regenerateLocked(ctx)
		return s.identity
	}
	if err := id.Validate(); err != nil {
		s.logger.Warn("device identity invalid, regenerating", zap.String("location", loc), zap.Error(err))
		s.regenerateLocked(ctx)
		return s.identity
	}

	s.identity = id
	s.loaded = true
	s.logger.Debug("device identity loaded", zap.String("location", loc), zap.String("device_id", id.DeviceID))
	return s.identity
}

func (s *Store) regenerateLocked(ctx context.Context) {
	s.identity = s.gen.generate()
	s.loaded = true
	s.saveLocked(ctx)
}

// saveLocked 持久化失败只记录日志
func (s *Store) saveLocked(ctx context.Context) {
	s.identity.LastUsed = s.clock.Now().UnixMilli()
	data, err := s.codec.marshal(s.identity)
	if err != nil {
		s.logger.Error("encode device identity failed", zap.Error(err))
		return
	}
	if err := s.backend.Write(ctx, data); err != nil {
		s.logger.Error("save device identity failed", zap.String("location", s.backend.Location()), zap.Error(err))
	}
}

// RefreshSession 只重新生成 SessionID 并持久化
func (s *Store) RefreshSession(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(ctx)
	s.identity.SessionID = s.gen.sessionID()
	s.saveLocked(ctx)
	s.logger.Debug("session id refreshed")
	return s.identity.SessionID
}

// Touch 更新 LastUsed 并持久化
func (s *Store) Touch(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(ctx)
	s.saveLocked(ctx)
}

// Snapshot 返回身份副本；尚未加载时返回零值
func (s *Store) Snapshot() DeviceIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Store) ensureLocked(ctx context.Context) {
	if !s.loaded {
		s.regenerateLocked(ctx)
	}
}
