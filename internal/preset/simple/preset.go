// Package simple 注册最小化预设：仅预缓存首页与 manifest，其余资源尽力缓存。
package simple

import "github.com/eternlty/offline-cache/internal/preset"

// Key 是该预设在配置中的名称，同时也是默认预设。
const Key = "simple"

func init() {
	preset.MustRegister(preset.Metadata{
		Key:         Key,
		Description: "Minimal precache of / and manifest with best-effort optional assets",
		Profile: preset.Profile{
			CoreFiles: []string{
				"/",
				"/manifest.json",
			},
			OptionalFiles: []string{
				"/css/index.css",
				"/js/main.js",
				"/offline/",
			},
			CacheablePatterns: []string{
				`\.(?:html|css|js|png|jpg|jpeg|gif|webp|svg|ico)$`,
			},
			OfflinePage:   "/offline/",
			InstallPolicy: preset.PolicyBestEffort,
		},
	})
}
