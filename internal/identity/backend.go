package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// ErrNotFound 后端中尚无身份文档
var ErrNotFound = errors.New("identity document not found")

// Backend 身份文档的持久化位置。Store 是唯一写入者。
type Backend interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Location 用于日志和选择编码格式
	Location() string
}

// FileBackend 本地文件
type FileBackend struct {
	Path string
}

func NewFileBackend(path string) *FileBackend {
	if path == "" {
		path = ".device_fingerprint.json"
	}
	return &FileBackend{Path: path}
}

func (b *FileBackend) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Write 先写临时文件再 rename，避免半截文件
func (b *FileBackend) Write(_ context.Context, data []byte) error {
	if dir := filepath.Dir(b.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, b.Path)
}

func (b *FileBackend) Location() string { return b.Path }

// RedisBackend 以单个 key 保存身份文档
type RedisBackend struct {
	client redis.Cmdable
	key    string
}

func NewRedisBackend(client redis.Cmdable, key string) *RedisBackend {
	if key == "" {
		key = "chatguard:identity"
	}
	return &RedisBackend{client: client, key: key}
}

func (b *RedisBackend) Read(ctx context.Context) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

func (b *RedisBackend) Write(ctx context.Context, data []byte) error {
	return b.client.Set(ctx, b.key, data, 0).Err()
}

func (b *RedisBackend) Location() string { return "redis:" + b.key }

// codec 按位置后缀选择 JSON 或 YAML
type codec interface {
	marshal(v DeviceIdentity) ([]byte, error)
	unmarshal(data []byte, v *DeviceIdentity) error
}

type jsonCodec struct{}

func (jsonCodec) marshal(v DeviceIdentity) ([]byte, error) { return json.MarshalIndent(v, "", "  ") }
func (jsonCodec) unmarshal(data []byte, v *DeviceIdentity) error {
	return json.Unmarshal(data, v)
}

type yamlCodec struct{}

func (yamlCodec) marshal(v DeviceIdentity) ([]byte, error) { return yaml.Marshal(v) }
func (yamlCodec) unmarshal(data []byte, v *DeviceIdentity) error {
	return yaml.Unmarshal(data, v)
}

func codecFor(location string) codec {
	switch strings.ToLower(filepath.Ext(location)) {
	case ".yaml", ".yml":
		return yamlCodec{}
	default:
		return jsonCodec{}
	}
}
