package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Record 会话登记：阻断锁存跨进程重启保留
type Record struct {
	DeviceID       string    `json:"device_id"`
	SessionID      string    `json:"session_id"`
	InstanceID     string    `json:"instance_id"`
	LastSeen       time.Time `json:"last_seen"`
	Blocked        bool      `json:"blocked"`
	BlockedReason  string    `json:"blocked_reason,omitempty"`
	Recommendation string    `json:"recommendation,omitempty"`
	BlockedAt      time.Time `json:"blocked_at,omitzero"`
}

// Registry 会话登记存储
type Registry interface {
	// Load 读取登记；不存在时 ok=false
	Load(ctx context.Context, deviceID string) (rec Record, ok bool, err error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, deviceID string) error
}

// MemoryRegistry 进程内登记
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]Record)}
}

func (m *MemoryRegistry) Load(_ context.Context, deviceID string) (Record, bool, error) {
	m.mu.RLock()
	rec, ok := m.records[deviceID]
	m.mu.RUnlock()
	return rec, ok, nil
}

func (m *MemoryRegistry) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	m.records[rec.DeviceID] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryRegistry) Delete(_ context.Context, deviceID string) error {
	m.mu.Lock()
	delete(m.records, deviceID)
	m.mu.Unlock()
	return nil
}

// Redis Key 设计
const (
	// chatguard:session:device:{deviceID} -> Record JSON
	keyDevicePrefix = "chatguard:session:device:"

	// chatguard:session:instance:{instanceID}:devices -> Set[deviceID]
	keyInstancePrefix = "chatguard:session:instance:"
)

// RedisRegistry Redis 版本的会话登记，多实例共享阻断状态
type RedisRegistry struct {
	client     redis.Cmdable
	instanceID string        // 当前进程实例ID
	ttl        time.Duration // 登记过期时间
}

// NewRedisRegistry 创建 Redis 会话登记
func NewRedisRegistry(client redis.Cmdable, instanceID string, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if instanceID == "" {
		instanceID = uuid.New().String()
	}
	return &RedisRegistry{client: client, instanceID: instanceID, ttl: ttl}
}

// InstanceID 当前实例ID
func (r *RedisRegistry) InstanceID() string { return r.instanceID }

func (r *RedisRegistry) Load(ctx context.Context, deviceID string) (Record, bool, error) {
	val, err := r.client.Get(ctx, keyDevicePrefix+deviceID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load session record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode session record: %w", err)
	}
	return rec, true, nil
}

func (r *RedisRegistry) Save(ctx context.Context, rec Record) error {
	if rec.InstanceID == "" {
		rec.InstanceID = r.instanceID
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, keyDevicePrefix+rec.DeviceID, data, r.ttl)
	pipe.SAdd(ctx, r.instanceKey(), rec.DeviceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session record: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Delete(ctx context.Context, deviceID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, keyDevicePrefix+deviceID)
	pipe.SRem(ctx, r.instanceKey(), deviceID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) instanceKey() string {
	return fmt.Sprintf("%s%s:devices", keyInstancePrefix, r.instanceID)
}

// Cleanup 清理本实例登记的未阻断会话（用于优雅关闭），阻断记录保留至过期
func (r *RedisRegistry) Cleanup(ctx context.Context) error {
	ids, err := r.client.SMembers(ctx, r.instanceKey()).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, ok, err := r.Load(ctx, id)
		if err != nil || !ok || rec.Blocked {
			continue
		}
		if err := r.Delete(ctx, id); err != nil {
			return err
		}
	}
	return r.client.Del(ctx, r.instanceKey()).Err()
}
