package preset

// InstallPolicy 描述安装阶段核心文件拉取失败时的处理方式。
type InstallPolicy string

const (
	// PolicyBestEffort 逐个记录失败，只要缓存能打开即视为安装成功。
	PolicyBestEffort InstallPolicy = "best-effort"
	// PolicyAllOrNothing 任一核心文件失败即中止安装，旧版本继续服务。
	PolicyAllOrNothing InstallPolicy = "all-or-nothing"
)

// Valid 报告策略值是否受支持。
func (p InstallPolicy) Valid() bool {
	return p == PolicyBestEffort || p == PolicyAllOrNothing
}

// Profile 是一个 scope 生效的完整缓存策略。
type Profile struct {
	CoreFiles         []string
	OptionalFiles     []string
	CacheablePatterns []string
	IgnorePatterns    []string
	OfflinePage       string
	InstallPolicy     InstallPolicy
}

// Metadata 记录一个预设的静态信息，供配置校验和诊断端使用。
type Metadata struct {
	Key         string
	Description string
	Profile     Profile
}

// DefaultKey 返回未声明 Preset 时使用的预设键。
func DefaultKey() string {
	return defaultPresetKey
}
