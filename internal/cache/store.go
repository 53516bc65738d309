package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/any-hub/vcache/internal/source"
)

// Store 负责 URL 与磁盘缓存文件之间的映射。磁盘布局遵循：
//
//	<StoragePath>/<sha1(url)><ext>            # 已完成的正文
//	<StoragePath>/<sha1(url)><ext>.download   # 下载中的正文
//
// 文件的 ModTime 记录最近一次使用时间，供 Cleaner 做 LRU 淘汰。
type Store struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// Entry 描述一个磁盘缓存文件。
type Entry struct {
	Name      string    `json:"name"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
	Partial   bool      `json:"partial"`
}

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (*Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &Store{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// Root 返回缓存根目录的绝对路径。
func (s *Store) Root() string {
	return s.basePath
}

// Name 根据 URL 生成稳定的文件名：sha1 十六进制 + 原扩展名。
func Name(url string) string {
	sum := sha1.Sum([]byte(url))
	return hex.EncodeToString(sum[:]) + source.Extension(url)
}

// Path 返回 URL 对应的最终缓存文件路径。
func (s *Store) Path(url string) string {
	return filepath.Join(s.basePath, Name(url))
}

// Open 打开 URL 对应的文件缓存，已完成的文件会刷新访问时间。
func (s *Store) Open(url string) (*FileCache, error) {
	unlock := s.lockEntry(url)
	defer unlock()

	c, err := OpenFileCache(s.Path(url))
	if err != nil {
		return nil, err
	}
	if c.IsCompleted() {
		_ = touch(s.Path(url))
	}
	return c, nil
}

// IsCached 判断 URL 是否已完整缓存。
func (s *Store) IsCached(url string) bool {
	info, err := os.Stat(s.Path(url))
	return err == nil && !info.IsDir()
}

// Touch 刷新缓存文件的修改时间，使其在 LRU 中排到最后。
func (s *Store) Touch(url string) error {
	unlock := s.lockEntry(url)
	defer unlock()

	path := s.Path(url)
	if !s.IsCached(url) {
		path += DownloadSuffix
	}
	return touch(path)
}

// Remove 删除 URL 对应的完整与下载中文件。
func (s *Store) Remove(url string) error {
	unlock := s.lockEntry(url)
	defer unlock()

	path := s.Path(url)
	var errs []error
	for _, p := range []string{path, path + DownloadSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Entries 列出根目录下的缓存文件，不递归子目录。
func (s *Store) Entries() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirEntries))
	for _, d := range dirEntries {
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		entries = append(entries, Entry{
			Name:      strings.TrimSuffix(d.Name(), DownloadSuffix),
			FilePath:  filepath.Join(s.basePath, d.Name()),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
			Partial:   strings.HasSuffix(d.Name(), DownloadSuffix),
		})
	}
	return entries, nil
}

// RemoveFile 删除 Entries 返回的单个文件，持有与 Open 相同的条目锁。
func (s *Store) RemoveFile(entry Entry) error {
	unlock := s.lockName(entry.Name)
	defer unlock()
	if err := os.Remove(entry.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) lockEntry(url string) func() {
	return s.lockName(Name(url))
}

func (s *Store) lockName(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func touch(path string) error {
	now := time.Now()
	return os.Chtimes(path, now, now)
}
