package server

import (
	"net/http"
	"net/textproto"
	"time"

	"github.com/any-hub/vcache/internal/config"
	"github.com/any-hub/vcache/internal/source"
)

// NewUpstreamClient 返回共享 http.Client，用于所有回源请求。
// 不设置整体 Timeout：视频下载可能持续很久，单次读取超时由 Source 控制。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	connectTimeout := 10 * time.Second
	dnsTimeout := 10 * time.Second
	readTimeout := 10 * time.Second
	if cfg != nil {
		if d := cfg.Global.ConnectTimeout.DurationValue(); d > 0 {
			connectTimeout = d
		}
		if d := cfg.Global.DNSTimeout.DurationValue(); d > 0 {
			dnsTimeout = d
		}
		if d := cfg.Global.ReadTimeout.DurationValue(); d > 0 {
			readTimeout = d
		}
	}

	dialer := &source.Dialer{
		DNSTimeout:     dnsTimeout,
		ConnectTimeout: connectTimeout,
		KeepAlive:      30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: transport}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	_, ok := hopByHopHeaders[canonical]
	return ok
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}
