package preset

// Overrides 描述来自 [[Scope]] 配置的覆盖项，nil 切片表示沿用预设。
type Overrides struct {
	CoreFiles         []string
	OptionalFiles     []string
	CacheablePatterns []string
	IgnorePatterns    []string
	OfflinePage       string
	InstallPolicy     InstallPolicy
}

// ResolveProfile 将预设默认值与 scope 级覆盖合并。
func ResolveProfile(meta Metadata, opts Overrides) Profile {
	profile := cloneProfile(meta.Profile)
	if opts.CoreFiles != nil {
		profile.CoreFiles = append([]string(nil), opts.CoreFiles...)
	}
	if opts.OptionalFiles != nil {
		profile.OptionalFiles = append([]string(nil), opts.OptionalFiles...)
	}
	if opts.CacheablePatterns != nil {
		profile.CacheablePatterns = append([]string(nil), opts.CacheablePatterns...)
	}
	if opts.IgnorePatterns != nil {
		profile.IgnorePatterns = append([]string(nil), opts.IgnorePatterns...)
	}
	if opts.OfflinePage != "" {
		profile.OfflinePage = opts.OfflinePage
	}
	if opts.InstallPolicy != "" {
		profile.InstallPolicy = opts.InstallPolicy
	}
	return normalizeProfile(profile)
}

func normalizeProfile(profile Profile) Profile {
	if profile.InstallPolicy == "" {
		profile.InstallPolicy = PolicyBestEffort
	}
	return profile
}

func cloneProfile(p Profile) Profile {
	return Profile{
		CoreFiles:         append([]string(nil), p.CoreFiles...),
		OptionalFiles:     append([]string(nil), p.OptionalFiles...),
		CacheablePatterns: append([]string(nil), p.CacheablePatterns...),
		IgnorePatterns:    append([]string(nil), p.IgnorePatterns...),
		OfflinePage:       p.OfflinePage,
		InstallPolicy:     p.InstallPolicy,
	}
}
