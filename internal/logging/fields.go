package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// AssetFields 提供资源类型/ID/缓存键与命中来源字段，供渲染请求日志复用。
func AssetFields(kind, id, key, source string) logrus.Fields {
	return logrus.Fields{
		"kind":   kind,
		"id":     id,
		"key":    key,
		"source": source,
	}
}

// RequestFields 提供方法、路径与请求 ID，供 HTTP 层日志复用。
func RequestFields(method, path, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"method": method,
		"path":   path,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
