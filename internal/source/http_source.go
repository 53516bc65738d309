package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// MaxRedirects 是单次建连允许跟随的最大重定向次数。
	MaxRedirects       = 5
	defaultReadTimeout = 10 * time.Second
)

// HTTPSource 基于 net/http 实现 Source。
type HTTPSource struct {
	client       *http.Client
	storage      InfoStorage
	injector     HeaderInjector
	logger       logrus.FieldLogger
	userAgent    string
	readTimeout  time.Duration
	maxRedirects int

	mu       sync.Mutex
	info     Descriptor
	body     io.ReadCloser
	ctx      context.Context
	cancel   context.CancelFunc
	timedOut atomic.Bool
}

// Option 配置 HTTPSource。
type Option func(*HTTPSource)

// WithClient 指定底层 http.Client；重定向策略会被覆盖为手动跟随。
func WithClient(client *http.Client) Option {
	return func(s *HTTPSource) {
		if client != nil {
			s.client = client
		}
	}
}

// WithInfoStorage 指定资源描述缓存。
func WithInfoStorage(storage InfoStorage) Option {
	return func(s *HTTPSource) { s.storage = storage }
}

// WithHeaderInjector 指定回源请求头注入器。
func WithHeaderInjector(injector HeaderInjector) Option {
	return func(s *HTTPSource) { s.injector = injector }
}

// WithReadTimeout 指定单次 Read 的超时时间。
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *HTTPSource) {
		if timeout > 0 {
			s.readTimeout = timeout
		}
	}
}

// WithMaxRedirects 覆盖默认重定向上限。
func WithMaxRedirects(limit int) Option {
	return func(s *HTTPSource) {
		if limit >= 0 {
			s.maxRedirects = limit
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *HTTPSource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithUserAgent 指定回源 User-Agent。
func WithUserAgent(ua string) Option {
	return func(s *HTTPSource) { s.userAgent = ua }
}

// NewHTTPSource 创建指向 rawURL 的 Source，若 InfoStorage 中已有描述则直接复用。
func NewHTTPSource(rawURL string, opts ...Option) *HTTPSource {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	s := &HTTPSource{
		client:       http.DefaultClient,
		logger:       discard,
		readTimeout:  defaultReadTimeout,
		maxRedirects: MaxRedirects,
	}
	for _, opt := range opts {
		opt(s)
	}

	client := *s.client
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	s.client = &client

	s.info = Descriptor{URL: rawURL, Length: UnknownLength, Mime: GuessMime(rawURL)}
	if s.storage != nil {
		if cached, ok := s.storage.Get(rawURL); ok {
			cached.URL = rawURL
			s.info = cached
		}
	}
	return s
}

// Descriptor 返回当前已知的资源描述。
func (s *HTTPSource) Descriptor() Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Open 建立从 offset 开始的读取会话，已有会话会先被关闭。
func (s *HTTPSource) Open(ctx context.Context, offset int64) (Descriptor, error) {
	if offset < 0 {
		return Descriptor{}, fmt.Errorf("negative offset %d", offset)
	}
	_ = s.Close()
	target := s.Descriptor().URL

	sessionCtx, cancel := context.WithCancel(ctx)
	resp, err := s.connect(sessionCtx, http.MethodGet, offset)
	if err != nil {
		cancel()
		return s.Descriptor(), err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drainAndClose(resp.Body)
		cancel()
		return s.Descriptor(), fmt.Errorf("%w: unexpected status %d from %s", ErrNetworkFailure, resp.StatusCode, target)
	}

	info := s.describe(resp, offset)
	body := resp.Body
	if offset > 0 && resp.StatusCode == http.StatusOK {
		// 源站忽略了 Range，丢弃前 offset 字节以对齐。
		if _, err := io.CopyN(io.Discard, body, offset); err != nil {
			_ = body.Close()
			cancel()
			return info, classify(sessionCtx, info.URL, err)
		}
	}

	s.mu.Lock()
	s.info = info
	s.body = body
	s.ctx = sessionCtx
	s.cancel = cancel
	s.timedOut.Store(false)
	s.mu.Unlock()

	s.remember(info)
	s.logger.WithFields(logrus.Fields{
		"action": "source_open",
		"url":    info.URL,
		"offset": offset,
		"status": resp.StatusCode,
		"length": info.Length,
		"mime":   info.Mime,
	}).Debug("source connected")
	return info, nil
}

// FetchMetadata 发送 HEAD 请求探测长度与 MIME，不影响当前读取会话。
func (s *HTTPSource) FetchMetadata(ctx context.Context) (Descriptor, error) {
	target := s.Descriptor().URL
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := s.connect(probeCtx, http.MethodHead, 0)
	if err != nil {
		return s.Descriptor(), err
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.Descriptor(), fmt.Errorf("%w: unexpected status %d probing %s", ErrNetworkFailure, resp.StatusCode, target)
	}

	s.mu.Lock()
	prev := s.info
	info := Descriptor{URL: prev.URL, Length: resp.ContentLength, Mime: resp.Header.Get("Content-Type")}
	if info.Length < 0 {
		info.Length = prev.Length
	}
	if info.Mime == "" {
		info.Mime = prev.Mime
	}
	s.info = info
	s.mu.Unlock()

	s.remember(info)
	s.logger.WithFields(logrus.Fields{
		"action": "source_probe",
		"url":    info.URL,
		"length": info.Length,
		"mime":   info.Mime,
	}).Debug("metadata fetched")
	return info, nil
}

// Read 读取当前会话数据，每次调用受 readTimeout 约束。
func (s *HTTPSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	body, ctx, cancel, target := s.body, s.ctx, s.cancel, s.info.URL
	s.mu.Unlock()
	if body == nil {
		return 0, ErrNotOpen
	}

	timer := time.AfterFunc(s.readTimeout, func() {
		s.timedOut.Store(true)
		cancel()
	})
	n, err := body.Read(p)
	timer.Stop()

	switch {
	case err == nil, err == io.EOF:
		return n, err
	case s.timedOut.Load():
		return n, fmt.Errorf("%w: read from %s timed out after %s", ErrNetworkFailure, target, s.readTimeout)
	case err == io.ErrUnexpectedEOF:
		return n, fmt.Errorf("%w: connection to %s closed early", ErrNetworkFailure, target)
	default:
		return n, classify(ctx, target, err)
	}
}

// Close 取消进行中的请求并释放连接，可重复调用。
func (s *HTTPSource) Close() error {
	s.mu.Lock()
	body, cancel := s.body, s.cancel
	s.body, s.cancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if body != nil {
		return body.Close()
	}
	return nil
}

// describe 根据响应状态码推导资源总长度。
func (s *HTTPSource) describe(resp *http.Response, offset int64) Descriptor {
	prev := s.Descriptor()
	info := Descriptor{URL: prev.URL, Length: prev.Length, Mime: resp.Header.Get("Content-Type")}
	if info.Mime == "" {
		info.Mime = prev.Mime
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if resp.ContentLength >= 0 {
			info.Length = resp.ContentLength
		}
	case http.StatusPartialContent:
		if resp.ContentLength >= 0 {
			info.Length = resp.ContentLength + offset
		} else if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			info.Length = total
		}
	}
	return info
}

func (s *HTTPSource) remember(info Descriptor) {
	if s.storage == nil {
		return
	}
	if err := s.storage.Put(info.URL, info); err != nil {
		s.logger.WithFields(logrus.Fields{
			"action": "source_info_put",
			"url":    info.URL,
		}).WithError(err).Warn("persist source info failed")
	}
}

// parseContentRangeTotal 解析 "bytes 100-199/200" 中的总长度。
func parseContentRangeTotal(value string) (int64, bool) {
	idx := strings.LastIndexByte(value, '/')
	if idx < 0 {
		return 0, false
	}
	total, err := strconv.ParseInt(strings.TrimSpace(value[idx+1:]), 10, 64)
	if err != nil || total < 0 {
		return 0, false
	}
	return total, true
}
