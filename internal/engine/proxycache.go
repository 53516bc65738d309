package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/vcache/internal/cache"
	"github.com/any-hub/vcache/internal/logging"
	"github.com/any-hub/vcache/internal/metrics"
	"github.com/any-hub/vcache/internal/source"
)

// State 是引擎的抓取状态。
type State int

const (
	StateIdle State = iota
	StateFetching
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const defaultChunkSize = 8 << 10

// Options 控制单个引擎的抓取行为。
type Options struct {
	ChunkSize      int
	MaxRetries     int
	InitialBackoff time.Duration
	Logger         logrus.FieldLogger
	// OnProgress 在已知总长度的下载百分比变化时调用，运行在抓取协程中。
	OnProgress func(url string, percent int)
	// OnComplete 在缓存完成后调用一次，运行在抓取协程中，不得同步调用 Shutdown。
	OnComplete func(url string)
}

// ProxyCache 负责单个 URL 的抓取与读取协调。
type ProxyCache struct {
	url       string
	newSource source.Factory
	cache     cache.Cache
	opts      Options
	logger    logrus.FieldLogger
	probes    singleflight.Group

	mu          sync.Mutex
	state       State
	info        source.Descriptor
	opened      bool
	available   int64
	err         error
	failures    int
	notify      chan struct{}
	closed      bool
	readers     int
	lastPercent int
	policy      backoff.BackOff
	fetchCancel context.CancelFunc
	fetchDone   chan struct{}
}

// New 创建引擎。缓存中已有的数据会被直接复用，已完成的缓存不再访问网络。
func New(url string, newSource source.Factory, c cache.Cache, opts Options) *ProxyCache {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	e := &ProxyCache{
		url:         url,
		newSource:   newSource,
		cache:       c,
		opts:        opts,
		logger:      logging.Component(opts.Logger, "engine").WithField("origin", url),
		notify:      make(chan struct{}),
		lastPercent: -1,
		policy:      newRetryPolicy(opts.InitialBackoff, opts.MaxRetries),
	}

	e.info = newSource().Descriptor()
	e.info.URL = url
	if available, err := c.Available(); err == nil {
		e.available = available
	}
	if c.IsCompleted() {
		e.state = StateCompleted
		e.info.Length = e.available
	}
	return e
}

// URL 返回资源标识。
func (e *ProxyCache) URL() string {
	return e.url
}

// State 返回当前抓取状态。
func (e *ProxyCache) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ReadAt 读取 [off, off+len(p)) 区间，区间未存储时阻塞等待。
// 只有到达资源末尾时才会返回不足 len(p) 的结果，此时 err 为 io.EOF。
func (e *ProxyCache) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	return e.read(ctx, p, off, true)
}

// ReadAvailable 只要 off 处有任意字节可读即返回，供流式响应使用。
func (e *ProxyCache) ReadAvailable(ctx context.Context, p []byte, off int64) (int, error) {
	return e.read(ctx, p, off, false)
}

func (e *ProxyCache) read(ctx context.Context, p []byte, off int64, full bool) (int, error) {
	if off < 0 {
		return 0, cache.ErrInvalidOffset
	}
	if len(p) == 0 {
		return 0, nil
	}

	waited := false
	failures := -1
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return 0, ErrShutdown
		}

		completed := e.state == StateCompleted
		if completed && off >= e.available {
			e.mu.Unlock()
			return 0, io.EOF
		}
		if e.info.LengthKnown() && off >= e.info.Length {
			e.mu.Unlock()
			return 0, io.EOF
		}

		need := off + 1
		if full {
			need = off + int64(len(p))
			if e.info.LengthKnown() && need > e.info.Length {
				need = e.info.Length
			}
		}
		if completed || e.available >= need {
			e.mu.Unlock()
			mode := "cached"
			if waited {
				mode = "waited"
			}
			metrics.Reads.WithLabelValues(mode).Inc()
			return e.readCache(p, off, full)
		}

		// 等待期间抓取失败时，直接返回该错误而不是重新发起抓取。
		if failures >= 0 && e.failures != failures {
			err := e.err
			e.mu.Unlock()
			return 0, err
		}
		if err := e.ensureFetchLocked(); err != nil {
			e.mu.Unlock()
			return 0, err
		}
		failures = e.failures
		wait := e.notify
		e.mu.Unlock()

		waited = true
		select {
		case <-wait:
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %v", source.ErrInterrupted, ctx.Err())
		}
	}
}

// readCache 从缓存读取；full 时循环读满 p 或直到末尾。
func (e *ProxyCache) readCache(p []byte, off int64, full bool) (int, error) {
	var total int
	for total < len(p) {
		n, err := e.cache.ReadAt(p[total:], off+int64(total))
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) || (errors.Is(err, cache.ErrNotAvailable) && total > 0) {
				break
			}
			return total, err
		}
		if !full || n == 0 {
			break
		}
	}
	if full && total < len(p) {
		return total, io.EOF
	}
	return total, nil
}

// ensureFetchLocked 在需要时启动抓取协程，调用方需持有 e.mu。
func (e *ProxyCache) ensureFetchLocked() error {
	switch e.state {
	case StateFetching, StateCompleted:
		return nil
	case StateFailed:
		delay := e.policy.NextBackOff()
		if delay == backoff.Stop {
			return e.err
		}
		e.startFetchLocked(delay)
	default:
		e.startFetchLocked(0)
	}
	return nil
}

func (e *ProxyCache) startFetchLocked(delay time.Duration) {
	if e.fetchCancel != nil {
		e.fetchCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.state = StateFetching
	e.opened = false
	e.fetchCancel = cancel
	e.fetchDone = done
	metrics.FetchesStarted.Inc()
	go e.fetch(ctx, delay, done)
}

// broadcastLocked 唤醒所有等待者，调用方需持有 e.mu。
func (e *ProxyCache) broadcastLocked() {
	close(e.notify)
	e.notify = make(chan struct{})
}

// Info 返回资源描述。长度未知且尚未开始抓取时，通过 HEAD 探测而不下载正文。
func (e *ProxyCache) Info(ctx context.Context) (source.Descriptor, error) {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return source.Descriptor{}, ErrShutdown
		}
		info := e.info
		switch {
		case info.LengthKnown(), e.state == StateCompleted,
			e.state == StateFetching && e.opened:
			e.mu.Unlock()
			return info, nil
		case e.state == StateFetching:
			wait := e.notify
			e.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return info, fmt.Errorf("%w: %v", source.ErrInterrupted, ctx.Err())
			}
		}
		e.mu.Unlock()
		return e.probe(ctx)
	}
}

// Length 返回资源总长度，未知时为 source.UnknownLength。
func (e *ProxyCache) Length(ctx context.Context) (int64, error) {
	info, err := e.Info(ctx)
	return info.Length, err
}

// Descriptor 返回当前已知描述，不触发网络请求。
func (e *ProxyCache) Descriptor() source.Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

func (e *ProxyCache) probe(ctx context.Context) (source.Descriptor, error) {
	v, err, _ := e.probes.Do("metadata", func() (interface{}, error) {
		metrics.MetadataProbes.Inc()
		src := e.newSource()
		defer src.Close()
		return src.FetchMetadata(ctx)
	})
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		return e.info, err
	}
	probed := v.(source.Descriptor)
	if !e.info.LengthKnown() {
		e.info.Length = probed.Length
	}
	if probed.Mime != "" {
		e.info.Mime = probed.Mime
	}
	return e.info, nil
}

// Shutdown 取消抓取并等待其退出，唤醒所有等待者后关闭缓存。可重复调用。
func (e *ProxyCache) Shutdown() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel, done := e.fetchCancel, e.fetchDone
	e.broadcastLocked()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	e.logger.WithField("action", "engine_shutdown").Debug("engine closed")
	return e.cache.Close()
}
