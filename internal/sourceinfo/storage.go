package sourceinfo

import (
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/any-hub/vcache/internal/config"
	"github.com/any-hub/vcache/internal/source"
)

// memoryTTL 是进程内描述缓存的条目存活时间。
const memoryTTL = time.Hour

// Empty 不保存任何描述，每次都需要重新探测。
type Empty struct{}

// Get 始终未命中。
func (Empty) Get(string) (source.Descriptor, bool) { return source.Descriptor{}, false }

// Put 丢弃写入。
func (Empty) Put(string, source.Descriptor) error { return nil }

// Close 无需释放资源。
func (Empty) Close() error { return nil }

// Memory 基于 go-cache 的进程内描述缓存，条目按 TTL 过期。
type Memory struct {
	items *gocache.Cache
}

// NewMemory 创建进程内描述缓存，ttl<=0 时条目永不过期。
func NewMemory(ttl time.Duration) *Memory {
	expiration := ttl
	cleanup := ttl
	if ttl <= 0 {
		expiration = gocache.NoExpiration
		cleanup = 0
	}
	return &Memory{items: gocache.New(expiration, cleanup)}
}

// Get 返回缓存的描述。
func (m *Memory) Get(url string) (source.Descriptor, bool) {
	v, ok := m.items.Get(url)
	if !ok {
		return source.Descriptor{}, false
	}
	info, ok := v.(source.Descriptor)
	return info, ok
}

// Put 写入描述，覆盖同 URL 的旧值。
func (m *Memory) Put(url string, info source.Descriptor) error {
	m.items.SetDefault(url, info)
	return nil
}

// Close 清空缓存。
func (m *Memory) Close() error {
	m.items.Flush()
	return nil
}

// Open 根据配置选择描述缓存实现。
func Open(cfg config.GlobalConfig) (source.InfoStorage, error) {
	switch cfg.SourceInfoBackend {
	case config.SourceInfoNone:
		return Empty{}, nil
	case config.SourceInfoMemory, "":
		return NewMemory(memoryTTL), nil
	case config.SourceInfoBadger:
		return OpenBadger(cfg.SourceInfoPath)
	default:
		return nil, fmt.Errorf("unsupported source info backend %q", cfg.SourceInfoBackend)
	}
}

func encode(info source.Descriptor) ([]byte, error) {
	return json.Marshal(info)
}

func decode(data []byte) (source.Descriptor, error) {
	var info source.Descriptor
	if err := json.Unmarshal(data, &info); err != nil {
		return source.Descriptor{}, err
	}
	return info, nil
}
