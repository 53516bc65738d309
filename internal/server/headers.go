package server

import (
	"net/http"
	"net/url"

	"github.com/any-hub/vcache/internal/config"
)

// HeaderInjector 根据配置中的 [[Header]] 规则为回源请求追加请求头。
type HeaderInjector struct {
	rules []config.HeaderRule
}

// NewHeaderInjector 复制规则列表，避免外部修改。
func NewHeaderInjector(rules []config.HeaderRule) *HeaderInjector {
	return &HeaderInjector{rules: append([]config.HeaderRule(nil), rules...)}
}

// Headers 实现 source.HeaderInjector，返回匹配目标主机的请求头。
func (i *HeaderInjector) Headers(rawURL string) http.Header {
	if i == nil || len(i.rules) == 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	matched := http.Header{}
	for _, rule := range i.rules {
		if rule.MatchesHost(u.Host) {
			matched.Add(rule.Name, rule.Value)
		}
	}
	headers := http.Header{}
	CopyHeaders(headers, matched)
	return headers
}
