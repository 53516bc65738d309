package engine

import (
	"context"
	"sync"
)

// Reader 是引擎上的顺序读取流，每个 HTTP 连接持有一个。
type Reader struct {
	engine  *ProxyCache
	ctx     context.Context
	cancel  context.CancelFunc
	offset  int64
	release func()
	once    sync.Once
}

// Stream 返回从 offset 开始的读取流。Close 只中断该读者自身的等待，
// 不影响共享的抓取协程，并在首次调用时执行 release。
func (e *ProxyCache) Stream(ctx context.Context, offset int64, release func()) *Reader {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.readers++
	e.mu.Unlock()
	return &Reader{engine: e, ctx: ctx, cancel: cancel, offset: offset, release: release}
}

// Read 实现 io.Reader。
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.engine.ReadAvailable(r.ctx, p, r.offset)
	r.offset += int64(n)
	return n, err
}

// Offset 返回下一次读取的位置。
func (r *Reader) Offset() int64 {
	return r.offset
}

// Close 实现 io.Closer，可重复调用。
func (r *Reader) Close() error {
	r.once.Do(func() {
		r.cancel()
		r.engine.mu.Lock()
		r.engine.readers--
		r.engine.mu.Unlock()
		if r.release != nil {
			r.release()
		}
	})
	return nil
}
