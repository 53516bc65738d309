package source

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNetworkFailure 表示连接、读写或解析在超时后失败，或源站返回了非 2xx 状态。
	ErrNetworkFailure = errors.New("network failure")
	// ErrUnknownHost 表示域名解析失败或超时，同时满足 errors.Is(err, ErrNetworkFailure)。
	ErrUnknownHost = fmt.Errorf("%w: unknown host", ErrNetworkFailure)
	// ErrTooManyRedirects 表示重定向链超过上限。
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrInterrupted 表示调用方主动取消，不属于故障。
	ErrInterrupted = errors.New("interrupted")
	// ErrProtocolViolation 表示响应格式不合法，例如重定向缺少 Location。
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrNotOpen 表示在 Open 之前或 Close 之后调用了 Read。
	ErrNotOpen = errors.New("source is not open")
)

// classify 将传输层错误映射到错误分类；ctx 为发起请求时使用的会话上下文。
func classify(ctx context.Context, target string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnknownHost):
		return fmt.Errorf("request %s: %w", target, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: request %s cancelled", ErrInterrupted, target)
	default:
		return fmt.Errorf("%w: request %s: %w", ErrNetworkFailure, target, err)
	}
}
