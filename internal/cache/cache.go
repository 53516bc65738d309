package cache

import "errors"

// Cache 是只追加的字节存储，单写多读。
type Cache interface {
	// ReadAt 从 off 开始读取至多 len(p) 字节。n>0 时 err 为 nil；
	// off 越过已存储末尾时，已完成返回 io.EOF，未完成返回 ErrNotAvailable。
	ReadAt(p []byte, off int64) (int, error)
	// Available 返回当前已存储的字节数。
	Available() (int64, error)
	// Append 追加 p 的全部字节。
	Append(p []byte) error
	// Complete 标记缓存完成，可重复调用，不可撤销。
	Complete() error
	// IsCompleted 返回缓存是否已完成。
	IsCompleted() bool
	// Close 释放底层资源，可重复调用；文件实现保留已落盘的数据。
	Close() error
}

var (
	// ErrNotAvailable 表示读取偏移尚未被写入，调用方应先等待数据。
	ErrNotAvailable = errors.New("cache: offset not available yet")
	// ErrCompleted 表示向已完成的缓存追加数据。
	ErrCompleted = errors.New("cache: already completed")
	// ErrInvalidOffset 表示偏移为负或超出后端可寻址范围。
	ErrInvalidOffset = errors.New("cache: invalid offset")
	// ErrCacheIO 表示本地存储读写失败。
	ErrCacheIO = errors.New("cache: io failure")
	// ErrClosed 表示缓存已关闭。
	ErrClosed = errors.New("cache: closed")
)
