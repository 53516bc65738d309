package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// DownloadSuffix 标记尚未完成的缓存文件。
const DownloadSuffix = ".download"

// FileCache 将数据追加到磁盘文件，完成后去掉 .download 后缀。
type FileCache struct {
	mu        sync.RWMutex
	path      string
	file      *os.File
	size      int64
	completed bool
	closed    bool
}

// OpenFileCache 打开 path 对应的缓存：完整文件存在时直接视为已完成，
// 否则续写 path.download。
func OpenFileCache(path string) (*FileCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create cache dir: %v", ErrCacheIO, err)
	}

	info, err := os.Stat(path)
	switch {
	case err == nil && !info.IsDir():
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrCacheIO, path, err)
		}
		return &FileCache{path: path, file: f, size: info.Size(), completed: true}, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: stat %s: %v", ErrCacheIO, path, err)
	}

	f, err := os.OpenFile(path+DownloadSuffix, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCacheIO, path+DownloadSuffix, err)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrCacheIO, f.Name(), err)
	}
	return &FileCache{path: path, file: f, size: stat.Size()}, nil
}

// Path 返回当前正在使用的文件路径。
func (c *FileCache) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.completed {
		return c.path
	}
	return c.path + DownloadSuffix
}

func (c *FileCache) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrInvalidOffset
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}
	if off >= c.size {
		if c.completed {
			return 0, io.EOF
		}
		return 0, ErrNotAvailable
	}
	if remain := c.size - off; int64(len(p)) > remain {
		p = p[:remain]
	}
	n, err := c.file.ReadAt(p, off)
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		return n, fmt.Errorf("%w: read %s at %d: %v", ErrCacheIO, c.file.Name(), off, err)
	}
	return n, nil
}

func (c *FileCache) Available() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}
	return c.size, nil
}

func (c *FileCache) Append(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.completed {
		return ErrCompleted
	}
	n, err := c.file.WriteAt(p, c.size)
	c.size += int64(n)
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrCacheIO, c.file.Name(), err)
	}
	return nil
}

// Complete 将 .download 文件重命名为最终文件并以只读方式重新打开。
func (c *FileCache) Complete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.completed {
		return nil
	}

	partial := c.file.Name()
	if err := c.file.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrCacheIO, partial, err)
	}
	if err := os.Rename(partial, c.path); err != nil {
		return c.reopen(partial, fmt.Errorf("%w: rename %s: %v", ErrCacheIO, partial, err))
	}
	f, err := os.Open(c.path)
	if err != nil {
		c.closed = true
		return fmt.Errorf("%w: reopen %s: %v", ErrCacheIO, c.path, err)
	}
	c.file = f
	c.completed = true
	return nil
}

// reopen 在重命名失败后恢复写句柄，保持缓存可继续使用。
func (c *FileCache) reopen(partial string, cause error) error {
	f, err := os.OpenFile(partial, os.O_RDWR, 0o644)
	if err != nil {
		c.closed = true
		return errors.Join(cause, err)
	}
	c.file = f
	return cause
}

func (c *FileCache) IsCompleted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.completed
}

// Close 关闭文件句柄，已写入的数据保留在磁盘。
func (c *FileCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.file.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrCacheIO, c.file.Name(), err)
	}
	return nil
}
