package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供源站 URL、请求方法、起始偏移与命中状态字段，供前端请求日志复用。
func RequestFields(origin, method string, offset int64, ranged, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"origin":    origin,
		"method":    method,
		"offset":    offset,
		"ranged":    ranged,
		"cache_hit": cacheHit,
	}
}

// EngineFields 描述单个资源引擎的上下文，fetch 循环与注册表日志共用。
func EngineFields(origin, state string, available, length int64) logrus.Fields {
	return logrus.Fields{
		"origin":    origin,
		"state":     state,
		"available": available,
		"length":    length,
	}
}
