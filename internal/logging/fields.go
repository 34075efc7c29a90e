package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LifecycleFields 描述一次 install/activate 事件的公共字段。
func LifecycleFields(event, cacheName string) logrus.Fields {
	return logrus.Fields{
		"action":     event,
		"cache_name": cacheName,
	}
}

// RequestFields 提供方法/路径/命中状态字段，供代理请求日志复用。
func RequestFields(method, path, requestID string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"action":    "proxy",
		"method":    method,
		"path":      path,
		"cache_hit": cacheHit,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
