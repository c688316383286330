// Package preset 聚合 scope 可选用的缓存策略预设，并提供统一的注册入口。
//
// 预设作者需要：
//  1. 在 internal/preset/<preset-key>/ 目录下声明默认的核心文件、可选文件、匹配规则与安装策略；
//  2. 通过本包暴露的 MustRegister 在 init() 中注册 Metadata；
//  3. 允许 [[Scope]] 配置逐项覆盖，最终结果由 ResolveProfile 合并得出。
//
// 该包同时负责为诊断端提供预设列表查询能力。
package preset
