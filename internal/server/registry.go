package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/vcache/internal/cache"
	"github.com/any-hub/vcache/internal/engine"
	"github.com/any-hub/vcache/internal/logging"
	"github.com/any-hub/vcache/internal/metrics"
)

// ErrRegistryClosed 表示注册表已关闭，不再创建新的引擎。
var ErrRegistryClosed = errors.New("engine registry closed")

// EngineFactory 为指定源站 URL 构造引擎。
type EngineFactory func(url string) (*engine.ProxyCache, error)

// RegistryOptions 控制 EngineRegistry 的回收策略。
type RegistryOptions struct {
	Factory EngineFactory
	// IdleTimeout 是引擎无人引用后保留的时长。
	IdleTimeout time.Duration
	// MaxEngines 超出时优先回收最早空闲的引擎。
	MaxEngines int
	// Store 用于判断磁盘缓存是否完整，memory 后端时为空。
	Store  *cache.Store
	Logger logrus.FieldLogger
	Now    func() time.Time
}

type registryEntry struct {
	engine    *engine.ProxyCache
	refs      int
	idleSince time.Time
}

// EngineStatus 在引擎快照的基础上附带引用计数。
type EngineStatus struct {
	engine.Status
	Refs int `json:"refs"`
}

// EngineRegistry 维护 URL → 引擎的映射，同一 URL 的所有连接共享一个引擎。
type EngineRegistry struct {
	opts   RegistryOptions
	logger logrus.FieldLogger

	mu      sync.Mutex
	entries map[string]*registryEntry
	// closing 记录正在关闭的引擎，同一 URL 需等待旧引擎释放缓存文件后才能重建。
	closing map[string]chan struct{}
	closed  bool

	shutdowns sync.WaitGroup
	stopCh    chan struct{}
	reaperCh  chan struct{}
}

// NewEngineRegistry 创建注册表并启动空闲回收协程。
func NewEngineRegistry(opts RegistryOptions) (*EngineRegistry, error) {
	if opts.Factory == nil {
		return nil, errors.New("engine factory is required")
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.MaxEngines <= 0 {
		opts.MaxEngines = 16
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &EngineRegistry{
		opts:     opts,
		logger:   logging.Component(opts.Logger, "registry"),
		entries:  make(map[string]*registryEntry),
		closing:  make(map[string]chan struct{}),
		stopCh:   make(chan struct{}),
		reaperCh: make(chan struct{}),
	}
	go r.reapLoop()
	return r, nil
}

// Acquire 返回 url 对应的引擎并增加引用计数，不存在时创建。
// 调用方在不再使用时必须调用 Release。
func (r *EngineRegistry) Acquire(ctx context.Context, url string) (*engine.ProxyCache, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if wait, ok := r.closing[url]; ok {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if entry, ok := r.entries[url]; ok {
			entry.refs++
			r.mu.Unlock()
			return entry.engine, nil
		}

		e, err := r.opts.Factory(url)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.entries[url] = &registryEntry{engine: e, refs: 1}
		metrics.EnginesLive.Inc()
		r.logger.WithFields(logrus.Fields{
			"action":  "engine_create",
			"origin":  url,
			"engines": len(r.entries),
		}).Debug("engine created")
		r.enforceLimitLocked()
		r.mu.Unlock()
		return e, nil
	}
}

// Release 减少引用计数，归零后引擎进入空闲状态，等待回收。
func (r *EngineRegistry) Release(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[url]
	if !ok || entry.refs == 0 {
		return
	}
	entry.refs--
	if entry.refs == 0 {
		entry.idleSince = r.opts.Now()
		r.enforceLimitLocked()
	}
}

// enforceLimitLocked 在引擎数超过上限时回收最早空闲的引擎；仍被引用的引擎不会被回收。
func (r *EngineRegistry) enforceLimitLocked() {
	excess := len(r.entries) - r.opts.MaxEngines
	if excess <= 0 {
		return
	}
	idle := make([]string, 0, len(r.entries))
	for url, entry := range r.entries {
		if entry.refs == 0 {
			idle = append(idle, url)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return r.entries[idle[i]].idleSince.Before(r.entries[idle[j]].idleSince)
	})
	for i := 0; i < len(idle) && i < excess; i++ {
		r.evictLocked(idle[i], "max_engines")
	}
}

// reapIdle 回收空闲超过 IdleTimeout 的引擎。
func (r *EngineRegistry) reapIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	now := r.opts.Now()
	for url, entry := range r.entries {
		if entry.refs == 0 && now.Sub(entry.idleSince) >= r.opts.IdleTimeout {
			r.evictLocked(url, "idle")
		}
	}
}

func (r *EngineRegistry) reapLoop() {
	defer close(r.reaperCh)
	ticker := time.NewTicker(reapInterval(r.opts.IdleTimeout))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.reapIdle()
		case <-r.stopCh:
			return
		}
	}
}

func reapInterval(idle time.Duration) time.Duration {
	interval := idle / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	return interval
}

// evictLocked 将引擎移出映射并在后台关闭。
func (r *EngineRegistry) evictLocked(url, reason string) {
	entry, ok := r.entries[url]
	if !ok {
		return
	}
	delete(r.entries, url)
	done := make(chan struct{})
	r.closing[url] = done
	r.shutdowns.Add(1)

	status := entry.engine.Snapshot()
	logger := r.logger.
		WithFields(logging.EngineFields(url, status.State, status.Available, status.Length)).
		WithFields(logrus.Fields{
			"action": "engine_evict",
			"reason": reason,
			"refs":   entry.refs,
		})
	go func() {
		defer r.shutdowns.Done()
		if err := entry.engine.Shutdown(); err != nil {
			logger.WithError(err).Warn("engine shutdown failed")
		} else {
			logger.Debug("engine evicted")
		}
		metrics.EnginesLive.Dec()

		r.mu.Lock()
		delete(r.closing, url)
		r.mu.Unlock()
		close(done)
	}()
}

// Snapshot 返回所有引擎的状态，按 URL 排序。
func (r *EngineRegistry) Snapshot() []EngineStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]EngineStatus, 0, len(r.entries))
	for _, entry := range r.entries {
		result = append(result, EngineStatus{Status: entry.engine.Snapshot(), Refs: entry.refs})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].URL < result[j].URL })
	return result
}

// ActiveURLs 返回当前持有引擎的 URL 列表。
func (r *EngineRegistry) ActiveURLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	urls := make([]string, 0, len(r.entries))
	for url := range r.entries {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// IsCached 判断 url 的内容是否已经完整缓存。
func (r *EngineRegistry) IsCached(url string) bool {
	r.mu.Lock()
	entry, ok := r.entries[url]
	r.mu.Unlock()
	if ok && entry.engine.State() == engine.StateCompleted {
		return true
	}
	return r.opts.Store != nil && r.opts.Store.IsCached(url)
}

// InUse 判断缓存文件名是否属于存活或正在关闭的引擎，供 Cleaner 跳过。
func (r *EngineRegistry) InUse(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inUseLocked(name)
}

// IfIdle 在 name 未被占用时持锁执行 fn。Acquire 同样持锁创建引擎并打开缓存文件，
// 因此 fn 执行期间不会有新引擎打开该文件。
func (r *EngineRegistry) IfIdle(name string, fn func() error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inUseLocked(name) {
		return false, nil
	}
	return true, fn()
}

func (r *EngineRegistry) inUseLocked(name string) bool {
	for url := range r.entries {
		if cache.Name(url) == name {
			return true
		}
	}
	for url := range r.closing {
		if cache.Name(url) == name {
			return true
		}
	}
	return false
}

// Len 返回存活引擎数量。
func (r *EngineRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Shutdown 关闭所有引擎（包括仍被引用的），等待后台关闭完成或 ctx 结束。
func (r *EngineRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.stopCh)
		for url := range r.entries {
			r.evictLocked(url, "shutdown")
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-r.reaperCh
		r.shutdowns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
