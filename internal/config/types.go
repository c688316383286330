package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eternlty/offline-cache/internal/preset"
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

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有 Scope 共享同一份参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	StorageBackend     string   `mapstructure:"StorageBackend"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	MetricsEnabled     bool     `mapstructure:"MetricsEnabled"`
	ControlToken       string   `mapstructure:"ControlToken"`
}

// ScopeConfig 描述一个被接管的站点：公开域名、源站以及缓存策略覆盖项。
type ScopeConfig struct {
	Name              string   `mapstructure:"Name"`
	Domain            string   `mapstructure:"Domain"`
	Scheme            string   `mapstructure:"Scheme"`
	Upstream          string   `mapstructure:"Upstream"`
	Proxy             string   `mapstructure:"Proxy"`
	Preset            string   `mapstructure:"Preset"`
	CacheVersion      string   `mapstructure:"CacheVersion"`
	InstallPolicy     string   `mapstructure:"InstallPolicy"`
	CoreFiles         []string `mapstructure:"CoreFiles"`
	OptionalFiles     []string `mapstructure:"OptionalFiles"`
	CacheablePatterns []string `mapstructure:"CacheablePatterns"`
	IgnorePatterns    []string `mapstructure:"IgnorePatterns"`
	OfflinePage       string   `mapstructure:"OfflinePage"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Scopes []ScopeConfig `mapstructure:"Scope"`
}

// BaseURL 返回 scope 对外暴露的根地址，例如 https://blog.example.com。
func (s ScopeConfig) BaseURL() string {
	scheme := s.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + s.Domain
}

// Overrides 将 scope 层的字段映射为预设覆盖项。
func (s ScopeConfig) Overrides() preset.Overrides {
	return preset.Overrides{
		CoreFiles:         s.CoreFiles,
		OptionalFiles:     s.OptionalFiles,
		CacheablePatterns: s.CacheablePatterns,
		IgnorePatterns:    s.IgnorePatterns,
		OfflinePage:       strings.TrimSpace(s.OfflinePage),
		InstallPolicy:     preset.InstallPolicy(s.InstallPolicy),
	}
}

// ScopeSummaries 返回所有 Scope 的摘要，例如 blog:v1.0.0，供启动日志使用。
func ScopeSummaries(scopes []ScopeConfig) []string {
	if len(scopes) == 0 {
		return nil
	}
	result := make([]string, len(scopes))
	for i, scope := range scopes {
		result[i] = fmt.Sprintf("%s:%s", scope.Name, scope.CacheVersion)
	}
	return result
}
