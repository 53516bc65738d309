package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/vcache/internal/cache"
	"github.com/any-hub/vcache/internal/logging"
	"github.com/any-hub/vcache/internal/metrics"
	"github.com/any-hub/vcache/internal/source"
)

// fetch 是唯一的写入者：从 cache.Available() 处续传，逐块追加并唤醒读者。
func (e *ProxyCache) fetch(ctx context.Context, delay time.Duration, done chan struct{}) {
	defer close(done)

	logger := e.logger.WithField("session", uuid.NewString())
	if delay > 0 {
		logger.WithField("delay", delay.String()).Debug("fetch retry scheduled")
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			e.finish(logger, ErrShutdown)
			return
		}
	}

	offset, err := e.cache.Available()
	if err != nil {
		e.finish(logger, wrapCacheErr(err))
		return
	}
	e.syncAvailable(offset)

	src := e.newSource()
	defer src.Close()

	info, err := src.Open(ctx, offset)
	if err != nil {
		e.finish(logger, err)
		return
	}
	e.publishOpen(info)
	logger.WithFields(logging.EngineFields(e.url, StateFetching.String(), offset, info.Length)).
		WithField("action", "fetch_start").Debug("fetch session opened")

	buf := make([]byte, e.opts.ChunkSize)
	for {
		if ctx.Err() != nil {
			e.finish(logger, ErrShutdown)
			return
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if err := e.cache.Append(buf[:n]); err != nil {
				// 部分写入已落入缓存，按后端实际长度重新发布。
				if available, aerr := e.cache.Available(); aerr == nil {
					e.syncAvailable(available)
				}
				e.finish(logger, wrapCacheErr(err))
				return
			}
			metrics.BytesFetched.Add(float64(n))
			e.appended(int64(n))
		}
		if errors.Is(readErr, io.EOF) {
			e.complete(logger)
			return
		}
		if readErr != nil {
			e.finish(logger, readErr)
			return
		}
	}
}

func wrapCacheErr(err error) error {
	if errors.Is(err, cache.ErrCacheIO) {
		return err
	}
	return fmt.Errorf("%w: %w", cache.ErrCacheIO, err)
}

// publishOpen 发布会话建立后得到的描述，唤醒等待 Info 的调用方。
func (e *ProxyCache) publishOpen(info source.Descriptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if info.LengthKnown() {
		e.info.Length = info.Length
	}
	if info.Mime != "" {
		e.info.Mime = info.Mime
	}
	e.opened = true
	e.broadcastLocked()
}

// syncAvailable 以缓存后端的长度为准校正 available。
func (e *ProxyCache) syncAvailable(available int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if available == e.available {
		return
	}
	e.available = available
	e.broadcastLocked()
}

// appended 在同一把锁下发布新长度并唤醒读者；有进展即重置重试策略。
func (e *ProxyCache) appended(n int64) {
	e.mu.Lock()
	e.available += n
	e.policy.Reset()
	percent := -1
	if e.info.Length > 0 {
		percent = int(e.available * 100 / e.info.Length)
		if percent > 100 {
			percent = 100
		}
	}
	changed := percent >= 0 && percent != e.lastPercent
	if changed {
		e.lastPercent = percent
	}
	e.broadcastLocked()
	e.mu.Unlock()

	if changed && e.opts.OnProgress != nil {
		e.opts.OnProgress(e.url, percent)
	}
}

// complete 处理源站 EOF：已知长度却未收齐视为网络失败。
func (e *ProxyCache) complete(logger logrus.FieldLogger) {
	e.mu.Lock()
	available, length := e.available, e.info.Length
	e.mu.Unlock()

	if length >= 0 && available < length {
		e.finish(logger, fmt.Errorf("%w: premature end of stream at %d of %d bytes", source.ErrNetworkFailure, available, length))
		return
	}
	if err := e.cache.Complete(); err != nil {
		e.finish(logger, wrapCacheErr(err))
		return
	}

	e.mu.Lock()
	e.state = StateCompleted
	e.info.Length = e.available
	e.err = nil
	e.broadcastLocked()
	e.mu.Unlock()

	logger.WithFields(logging.EngineFields(e.url, StateCompleted.String(), available, available)).
		WithField("action", "fetch_complete").Info("resource cached")
	if e.opts.OnComplete != nil {
		e.opts.OnComplete(e.url)
	}
}

// finish 将引擎置为失败并把错误传给所有等待中的读者。
func (e *ProxyCache) finish(logger logrus.FieldLogger, err error) {
	e.mu.Lock()
	e.state = StateFailed
	e.err = err
	e.failures++
	available, length := e.available, e.info.Length
	e.broadcastLocked()
	e.mu.Unlock()

	kind := Kind(err)
	entry := logger.WithFields(logging.EngineFields(e.url, StateFailed.String(), available, length)).
		WithField("action", "fetch_failed").
		WithField("kind", kind).
		WithError(err)
	if errors.Is(err, source.ErrInterrupted) {
		entry.Debug("fetch interrupted")
		return
	}
	metrics.FetchFailures.WithLabelValues(kind).Inc()
	entry.Warn("fetch failed")
}
