package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteSizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	normalizeHeaderRules(cfg.Headers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	if cfg.Global.SourceInfoBackend == SourceInfoBadger {
		if cfg.Global.SourceInfoPath == "" {
			cfg.Global.SourceInfoPath = filepath.Join(absStorage, ".sourceinfo")
		}
		absInfo, err := filepath.Abs(cfg.Global.SourceInfoPath)
		if err != nil {
			return nil, fmt.Errorf("无法解析源信息目录: %w", err)
		}
		cfg.Global.SourceInfoPath = absInfo
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenHost", "127.0.0.1")
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheBackend", CacheBackendFile)
	v.SetDefault("MaxCacheSize", "1GiB")
	v.SetDefault("CleanupInterval", "10m")
	v.SetDefault("SourceInfoBackend", SourceInfoBadger)
	v.SetDefault("SourceInfoPath", "")
	v.SetDefault("ConnectTimeout", "10s")
	v.SetDefault("ReadTimeout", "10s")
	v.SetDefault("DNSTimeout", "10s")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("IdleTimeout", "60s")
	v.SetDefault("MaxEngines", 16)
	v.SetDefault("ChunkSize", "8KiB")
}

func applyGlobalDefaults(g *GlobalConfig) {
	g.ListenHost = strings.TrimSpace(g.ListenHost)
	if g.ListenHost == "" {
		g.ListenHost = "127.0.0.1"
	}
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.CacheBackend = strings.ToLower(strings.TrimSpace(g.CacheBackend))
	if g.CacheBackend == "" {
		g.CacheBackend = CacheBackendFile
	}
	g.SourceInfoBackend = strings.ToLower(strings.TrimSpace(g.SourceInfoBackend))
	if g.SourceInfoBackend == "" {
		g.SourceInfoBackend = SourceInfoBadger
	}
	if g.CleanupInterval.DurationValue() == 0 {
		g.CleanupInterval = Duration(10 * time.Minute)
	}
	if g.ConnectTimeout.DurationValue() == 0 {
		g.ConnectTimeout = Duration(10 * time.Second)
	}
	if g.ReadTimeout.DurationValue() == 0 {
		g.ReadTimeout = Duration(10 * time.Second)
	}
	if g.DNSTimeout.DurationValue() == 0 {
		g.DNSTimeout = Duration(10 * time.Second)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.IdleTimeout.DurationValue() == 0 {
		g.IdleTimeout = Duration(60 * time.Second)
	}
	if g.MaxEngines == 0 {
		g.MaxEngines = 16
	}
	if g.ChunkSize == 0 {
		g.ChunkSize = 8 << 10
	}
}

func normalizeHeaderRules(rules []HeaderRule) {
	for i := range rules {
		rules[i].Host = strings.ToLower(strings.TrimSpace(rules[i].Host))
		rules[i].Name = strings.TrimSpace(rules[i].Name)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			size, err := parseByteSize(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析 ByteSize 字段: %s", v)
			}
			return size, nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(int64(v)), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 ByteSize 类型: %T", v)
		}
	}
}
