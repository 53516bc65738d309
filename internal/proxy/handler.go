package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/vcache/internal/engine"
	"github.com/any-hub/vcache/internal/logging"
	"github.com/any-hub/vcache/internal/server"
	"github.com/any-hub/vcache/internal/source"
)

const (
	defaultContentType = "application/octet-stream"
	defaultChunkSize   = 8 << 10
)

// Engines 是 Handler 依赖的注册表能力，测试中可替换。
type Engines interface {
	Acquire(ctx context.Context, url string) (*engine.ProxyCache, error)
	Release(url string)
}

// Handler 把播放器请求映射到共享引擎：等待首字节后提交响应头，
// 其余数据通过 body stream 边下载边返回。
type Handler struct {
	engines   Engines
	logger    *logrus.Logger
	chunkSize int
}

// NewHandler constructs a proxy handler backed by the engine registry.
func NewHandler(engines Engines, logger *logrus.Logger, chunkSize int) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Handler{
		engines:   engines,
		logger:    logger,
		chunkSize: chunkSize,
	}
}

// requestState 汇总单次请求的日志上下文。
type requestState struct {
	route     *server.Route
	method    string
	requestID string
	offset    int64
	ranged    bool
	cacheHit  bool
	started   time.Time
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.Route) error {
	offset, ranged := parseRange(c.Get(fiber.HeaderRange))
	req := &requestState{
		route:     route,
		method:    c.Method(),
		requestID: server.RequestID(c),
		offset:    offset,
		ranged:    ranged,
		started:   time.Now(),
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	eng, err := h.engines.Acquire(ctx, route.Origin)
	if err != nil {
		h.logResult(req, 0, 0, err)
		if errors.Is(err, server.ErrRegistryClosed) {
			return h.writeError(c, fiber.StatusServiceUnavailable, "shutting_down")
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	req.cacheHit = eng.State() == engine.StateCompleted

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() { h.engines.Release(route.Origin) })
	}

	if info := eng.Descriptor(); info.LengthKnown() && ranged && offset >= info.Length {
		release()
		return h.rangeNotSatisfiable(c, req, info.Length)
	}

	if req.method == fiber.MethodHead {
		defer release()
		return h.serveHead(ctx, c, req, eng)
	}
	return h.serveStream(c, req, eng, release)
}

// serveHead 只返回响应头，长度未知时通过 HEAD 探测，不触发下载。
func (h *Handler) serveHead(ctx context.Context, c fiber.Ctx, req *requestState, eng *engine.ProxyCache) error {
	info, err := eng.Info(ctx)
	if err != nil {
		h.logResult(req, fiber.StatusBadGateway, 0, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	if info.LengthKnown() && req.ranged && req.offset >= info.Length {
		return h.rangeNotSatisfiable(c, req, info.Length)
	}
	status, size := h.writeHeaders(c, req, info)
	// HEAD 不写 body，但保留 Content-Length 供播放器判断资源大小；长度未知时为 -1（chunked）。
	c.Response().Header.SetContentLength(int(size))
	c.Response().SkipBody = true
	h.logResult(req, status, 0, nil)
	return nil
}

// serveStream 等待首字节后提交响应头，失败时返回 502；首字节之后的失败只能中断连接。
func (h *Handler) serveStream(c fiber.Ctx, req *requestState, eng *engine.ProxyCache, release func()) error {
	// 读取流的生命周期由 body stream 的 Close 决定，不能绑定到请求上下文；
	// 客户端断开由 watchPeer 发现并只取消该读者。
	ctx, cancel := context.WithCancel(context.Background())
	reader := eng.Stream(ctx, req.offset, release)
	go watchPeer(ctx, c.RequestCtx().Conn(), cancel)

	first := make([]byte, h.chunkSize)
	n, err := reader.Read(first)
	if err != nil {
		_ = reader.Close()
		cancel()
		if errors.Is(err, io.EOF) {
			length := eng.Descriptor().Length
			if req.ranged && req.offset > 0 {
				return h.rangeNotSatisfiable(c, req, length)
			}
			c.Set(fiber.HeaderAcceptRanges, "bytes")
			c.Set(fiber.HeaderContentType, contentType(eng.Descriptor()))
			c.Status(fiber.StatusOK)
			h.logResult(req, fiber.StatusOK, 0, nil)
			return nil
		}
		h.logResult(req, fiber.StatusBadGateway, 0, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	status, size := h.writeHeaders(c, req, eng.Descriptor())
	body := &streamBody{
		Reader:  io.MultiReader(bytes.NewReader(first[:n]), reader),
		stream:  reader,
		cancel:  cancel,
		handler: h,
		req:     req,
		status:  status,
		size:    size,
	}
	c.Response().SetBodyStream(body, int(size))
	return nil
}

// writeHeaders 根据资源描述设置状态码与通用响应头，返回状态码与 body 长度（未知为 -1）。
func (h *Handler) writeHeaders(c fiber.Ctx, req *requestState, info source.Descriptor) (int, int64) {
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set(fiber.HeaderContentType, contentType(info))

	status := fiber.StatusOK
	if req.ranged {
		status = fiber.StatusPartialContent
	}
	size := source.UnknownLength
	if info.LengthKnown() {
		size = info.Length - req.offset
		if req.ranged {
			c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", req.offset, info.Length-1, info.Length))
		}
	}
	c.Status(status)
	return status, size
}

func (h *Handler) rangeNotSatisfiable(c fiber.Ctx, req *requestState, length int64) error {
	if length >= 0 {
		c.Set(fiber.HeaderContentRange, "bytes */"+strconv.FormatInt(length, 10))
	}
	h.logResult(req, fiber.StatusRequestedRangeNotSatisfiable, 0, nil)
	return h.writeError(c, fiber.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable")
}

func contentType(info source.Descriptor) string {
	if info.Mime != "" {
		return info.Mime
	}
	return defaultContentType
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(req *requestState, status int, written int64, err error) {
	fields := logging.RequestFields(req.route.Origin, req.method, req.offset, req.ranged, req.cacheHit)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["bytes"] = written
	fields["elapsed_ms"] = time.Since(req.started).Milliseconds()
	if req.requestID != "" {
		fields["request_id"] = req.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		fields["error_kind"] = engine.Kind(err)
		if errors.Is(err, source.ErrInterrupted) {
			h.logger.WithFields(fields).Debug("proxy_interrupted")
			return
		}
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// streamBody 是交给 fasthttp 的响应体，Close 时释放引擎引用并记录结果。
type streamBody struct {
	io.Reader
	stream  *engine.Reader
	cancel  context.CancelFunc
	handler *Handler
	req     *requestState
	status  int
	size    int64

	written atomic.Int64
	err     error
	once    sync.Once
}

func (b *streamBody) Read(p []byte) (int, error) {
	n, err := b.Reader.Read(p)
	b.written.Add(int64(n))
	if err != nil && !errors.Is(err, io.EOF) {
		b.err = err
	}
	return n, err
}

// Close 由 fasthttp 在响应写完或连接中断后调用。
func (b *streamBody) Close() error {
	b.once.Do(func() {
		_ = b.stream.Close()
		b.cancel()
		err := b.err
		written := b.written.Load()
		if err == nil && b.size >= 0 && written < b.size {
			err = fmt.Errorf("%w: client went away after %d bytes", source.ErrInterrupted, written)
		}
		b.handler.logResult(b.req, b.status, written, err)
	})
	return nil
}
