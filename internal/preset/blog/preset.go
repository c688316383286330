// Package blog 注册完整博客站点的预设：预缓存全部主题资源，安装采用 all-or-nothing。
package blog

import "github.com/eternlty/offline-cache/internal/preset"

// Key 是该预设在配置中的名称。
const Key = "blog"

func init() {
	preset.MustRegister(preset.Metadata{
		Key:         Key,
		Description: "Full theme precache with CDN/font assets, all-or-nothing install",
		Profile: preset.Profile{
			CoreFiles: []string{
				"/",
				"/offline.html",
				"/css/index.css",
				"/css/var.css",
				"/js/main.js",
				"/js/utils.js",
				"/manifest.json",
			},
			CacheablePatterns: []string{
				`\.(?:js|css|html|png|jpg|jpeg|gif|webp|svg|ico|woff|woff2|ttf|eot)$`,
				`^https://cdn\.`,
				`^https://fonts\.`,
			},
			IgnorePatterns: []string{
				`/api/`,
				`/admin`,
				`\?.*nocache`,
				`/wp-admin`,
				`/wp-login`,
			},
			OfflinePage:   "/offline.html",
			InstallPolicy: preset.PolicyAllOrNothing,
		},
	})
}
