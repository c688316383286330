package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ScopeFields 提供 scope/version 字段，生命周期与后台任务日志共用。
func ScopeFields(action, scope, version string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"scope":   scope,
		"version": version,
	}
}

// RequestFields 提供 scope/domain/分类/结果字段，供代理请求日志复用。
func RequestFields(scope, domain, version, classification, outcome string) logrus.Fields {
	return logrus.Fields{
		"scope":          scope,
		"domain":         domain,
		"version":        version,
		"classification": classification,
		"outcome":        outcome,
	}
}
