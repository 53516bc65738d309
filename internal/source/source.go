package source

import (
	"context"
	"net/http"
)

// UnknownLength 表示资源总长度尚未通过网络探测得到。
const UnknownLength int64 = -1

// Descriptor 描述一个远端资源。长度一旦确定即视为不可变。
type Descriptor struct {
	URL    string `json:"url"`
	Length int64  `json:"length"`
	Mime   string `json:"mime"`
}

// LengthKnown 返回长度是否已确定。
func (d Descriptor) LengthKnown() bool {
	return d.Length >= 0
}

// Source 按顺序从源站拉取字节。一个实例同一时间只服务一个会话，不支持并发 Read。
type Source interface {
	// Open 建立从 offset 开始的连接，返回最新的资源描述。
	Open(ctx context.Context, offset int64) (Descriptor, error)
	// FetchMetadata 仅探测头部（HEAD），不下载正文。
	FetchMetadata(ctx context.Context) (Descriptor, error)
	// Read 读取当前会话的下一段数据，自然结束时返回 io.EOF。
	Read(p []byte) (int, error)
	// Close 释放连接并取消进行中的请求，可重复调用。
	Close() error
	// Descriptor 返回当前已知的资源描述，不产生网络请求。
	Descriptor() Descriptor
}

// Factory 为每次读取会话或元数据探测创建全新的 Source。
type Factory func() Source

// InfoStorage 按 URL 缓存资源描述，实现需自行保证并发安全。
type InfoStorage interface {
	Get(url string) (Descriptor, bool)
	Put(url string, info Descriptor) error
	Close() error
}

// HeaderInjector 为回源请求提供额外请求头。
type HeaderInjector interface {
	Headers(url string) http.Header
}

// HeaderInjectorFunc 将函数适配为 HeaderInjector。
type HeaderInjectorFunc func(url string) http.Header

// Headers 实现 HeaderInjector。
func (f HeaderInjectorFunc) Headers(url string) http.Header {
	return f(url)
}
