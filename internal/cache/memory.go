package cache

import (
	"io"
	"math"
	"sync"
)

// MemoryCache 将数据保存在进程内存中，适合小文件与测试。
type MemoryCache struct {
	mu        sync.RWMutex
	data      []byte
	completed bool
	closed    bool
}

// NewMemoryCache 创建空的内存缓存。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

// NewCompletedMemoryCache 以现成数据创建已完成的内存缓存。
func NewCompletedMemoryCache(data []byte) *MemoryCache {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &MemoryCache{data: buf, completed: true}
}

func (c *MemoryCache) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > math.MaxInt {
		return 0, ErrInvalidOffset
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}
	if off >= int64(len(c.data)) {
		if c.completed {
			return 0, io.EOF
		}
		return 0, ErrNotAvailable
	}
	return copy(p, c.data[off:]), nil
}

func (c *MemoryCache) Available() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}
	return int64(len(c.data)), nil
}

func (c *MemoryCache) Append(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.completed {
		return ErrCompleted
	}
	c.data = append(c.data, p...)
	return nil
}

func (c *MemoryCache) Complete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.completed = true
	return nil
}

func (c *MemoryCache) IsCompleted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.completed
}

// Close 释放内存。
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.data = nil
	return nil
}
