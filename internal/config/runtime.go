package config

import (
	"github.com/eternlty/offline-cache/internal/preset"
)

// ScopeRuntime 将 Scope 配置与预设合并，方便运行时快速取用策略。
type ScopeRuntime struct {
	Config  ScopeConfig
	Preset  preset.Metadata
	Profile preset.Profile
}

// BuildScopeRuntime 根据 Scope 配置和预设创建运行时描述，应用 scope 级覆盖。
func BuildScopeRuntime(cfg ScopeConfig, meta preset.Metadata) ScopeRuntime {
	return ScopeRuntime{
		Config:  cfg,
		Preset:  meta,
		Profile: preset.ResolveProfile(meta, cfg.Overrides()),
	}
}

// ResolvePreset 返回 scope 选用的预设，未声明时使用默认预设。
func (s ScopeConfig) ResolvePreset() (preset.Metadata, bool) {
	key := s.Preset
	if key == "" {
		key = preset.DefaultKey()
	}
	return preset.Resolve(key)
}
