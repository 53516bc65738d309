package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 表示字节数，支持 "1GiB"、"512m" 或纯数字写法。
type ByteSize int64

// UnmarshalText 复用 go-units 的解析规则（二进制单位，1k = 1024）。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Int64 返回原始字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

func parseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if intVal, err := parseInt(raw); err == nil {
		return ByteSize(intVal), nil
	}
	size, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size value: %s", raw)
	}
	return ByteSize(size), nil
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 缓存后端与源信息存储的可选值。
const (
	CacheBackendFile   = "file"
	CacheBackendMemory = "memory"

	SourceInfoBadger = "badger"
	SourceInfoMemory = "memory"
	SourceInfoNone   = "none"
)

// GlobalConfig 描述全局运行时行为，所有资源共享同一份参数。
type GlobalConfig struct {
	ListenHost    string `mapstructure:"ListenHost"`
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	StoragePath     string   `mapstructure:"StoragePath"`
	CacheBackend    string   `mapstructure:"CacheBackend"`
	MaxCacheSize    ByteSize `mapstructure:"MaxCacheSize"`
	CleanupInterval Duration `mapstructure:"CleanupInterval"`

	SourceInfoBackend string `mapstructure:"SourceInfoBackend"`
	SourceInfoPath    string `mapstructure:"SourceInfoPath"`

	ConnectTimeout Duration `mapstructure:"ConnectTimeout"`
	ReadTimeout    Duration `mapstructure:"ReadTimeout"`
	DNSTimeout     Duration `mapstructure:"DNSTimeout"`
	MaxRetries     int      `mapstructure:"MaxRetries"`
	InitialBackoff Duration `mapstructure:"InitialBackoff"`

	IdleTimeout Duration `mapstructure:"IdleTimeout"`
	MaxEngines  int      `mapstructure:"MaxEngines"`
	ChunkSize   ByteSize `mapstructure:"ChunkSize"`
}

// HeaderRule 描述一条向上游注入的请求头，Host 为空或 "*" 表示对所有源站生效。
type HeaderRule struct {
	Host  string `mapstructure:"Host"`
	Name  string `mapstructure:"Name"`
	Value string `mapstructure:"Value"`
}

// MatchesHost 判断规则是否适用于给定源站主机名（不区分大小写，忽略端口）。
func (r HeaderRule) MatchesHost(host string) bool {
	pattern := strings.ToLower(strings.TrimSpace(r.Host))
	if pattern == "" || pattern == "*" {
		return true
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if idx := strings.LastIndex(host, ":"); idx > -1 && !strings.Contains(host[idx:], "]") {
		host = host[:idx]
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return host == pattern
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig `mapstructure:",squash"`
	Headers []HeaderRule `mapstructure:"Header"`
}

// ListenAddr 返回 Fiber 监听地址，例如 127.0.0.1:5000。
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Global.ListenHost, c.Global.ListenPort)
}

// HeaderSummary 返回注入规则摘要，例如 media.example.com:Referer，仅用于日志。
func HeaderSummary(rules []HeaderRule) []string {
	if len(rules) == 0 {
		return nil
	}
	result := make([]string, len(rules))
	for i, rule := range rules {
		host := rule.Host
		if host == "" {
			host = "*"
		}
		result[i] = fmt.Sprintf("%s:%s", host, rule.Name)
	}
	return result
}
