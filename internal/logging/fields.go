package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求地址/方法/命中状态字段，供拦截请求日志复用。
func RequestFields(method, url, cacheName string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"method":    method,
		"url":       url,
		"cache_hit": cacheHit,
	}
	if cacheName != "" {
		fields["cache"] = cacheName
	}
	return fields
}

// LifecycleFields 描述 install/activate 等生命周期事件。
func LifecycleFields(action, state string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"state":  state,
	}
}
