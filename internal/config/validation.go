package config

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedCacheBackends = map[string]struct{}{
	CacheBackendFile:   {},
	CacheBackendMemory: {},
}

var supportedSourceInfoBackends = map[string]struct{}{
	SourceInfoBadger: {},
	SourceInfoMemory: {},
	SourceInfoNone:   {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if err := validateListenHost(g.ListenHost); err != nil {
		return fmt.Errorf("Global.ListenHost: %w", err)
	}
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedCacheBackends[g.CacheBackend]; !ok {
		return newFieldError("Global.CacheBackend", "仅支持 file/memory")
	}
	if g.MaxCacheSize <= 0 {
		return newFieldError("Global.MaxCacheSize", "必须大于 0")
	}
	if g.CleanupInterval.DurationValue() <= 0 {
		return newFieldError("Global.CleanupInterval", "必须大于 0")
	}
	if _, ok := supportedSourceInfoBackends[g.SourceInfoBackend]; !ok {
		return newFieldError("Global.SourceInfoBackend", "仅支持 badger/memory/none")
	}
	if g.ConnectTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ConnectTimeout", "必须大于 0")
	}
	if g.ReadTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ReadTimeout", "必须大于 0")
	}
	if g.DNSTimeout.DurationValue() <= 0 {
		return newFieldError("Global.DNSTimeout", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.IdleTimeout.DurationValue() <= 0 {
		return newFieldError("Global.IdleTimeout", "必须大于 0")
	}
	if g.MaxEngines <= 0 {
		return newFieldError("Global.MaxEngines", "必须大于 0")
	}
	if g.ChunkSize <= 0 || g.ChunkSize > 16<<20 {
		return newFieldError("Global.ChunkSize", "必须在 1B-16MiB")
	}

	for i, rule := range c.Headers {
		if err := validateHeaderRule(rule); err != nil {
			return fmt.Errorf("%s: %w", headerField(i, rule.Name), err)
		}
	}

	return nil
}

func validateListenHost(host string) error {
	if host == "" {
		return errors.New("不能为空")
	}
	if strings.Contains(host, "/") || strings.Contains(host, " ") {
		return errors.New("不允许包含路径或空格")
	}
	if strings.Contains(host, ":") && net.ParseIP(host) == nil {
		return errors.New("不应包含端口，请使用 ListenPort")
	}
	return nil
}

func validateHeaderRule(rule HeaderRule) error {
	if rule.Name == "" {
		return errors.New("Name 不能为空")
	}
	if strings.ContainsAny(rule.Name, " :\r\n") {
		return errors.New("Name 包含非法字符")
	}
	if strings.ContainsAny(rule.Value, "\r\n") {
		return errors.New("Value 不允许换行")
	}
	switch http.CanonicalHeaderKey(rule.Name) {
	case "Host", "Range", "Content-Length":
		return fmt.Errorf("不允许覆盖 %s", rule.Name)
	}
	if strings.Contains(rule.Host, "/") {
		return errors.New("Host 不允许包含路径")
	}
	return nil
}
