package engine

import (
	"errors"
	"fmt"

	"github.com/any-hub/vcache/internal/cache"
	"github.com/any-hub/vcache/internal/source"
)

// ErrShutdown 表示引擎已关闭，满足 errors.Is(err, source.ErrInterrupted)。
var ErrShutdown = fmt.Errorf("%w: engine shut down", source.ErrInterrupted)

// Kind 返回错误分类，用于指标标签与日志。
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, source.ErrInterrupted):
		return "interrupted"
	case errors.Is(err, source.ErrUnknownHost):
		return "unknown_host"
	case errors.Is(err, source.ErrNetworkFailure):
		return "network"
	case errors.Is(err, source.ErrTooManyRedirects):
		return "too_many_redirects"
	case errors.Is(err, source.ErrProtocolViolation):
		return "protocol"
	case errors.Is(err, cache.ErrCacheIO):
		return "cache_io"
	default:
		return "other"
	}
}
