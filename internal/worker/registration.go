package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/eternlty/offline-cache/internal/cache"
	"github.com/eternlty/offline-cache/internal/classify"
	"github.com/eternlty/offline-cache/internal/config"
	"github.com/eternlty/offline-cache/internal/logging"
	"github.com/eternlty/offline-cache/internal/metrics"
	"github.com/eternlty/offline-cache/internal/network"
	"github.com/eternlty/offline-cache/internal/preset"
	"github.com/eternlty/offline-cache/internal/strategy"
)

const defaultConcurrency = 4

// Options 描述构建 Registration 所需的依赖。
type Options struct {
	Runtime     config.ScopeRuntime
	Store       cache.Store
	Fetcher     network.Fetcher
	Logger      *logrus.Logger
	Metrics     *metrics.Metrics
	Concurrency int
}

// Registration 对应一个 scope 的 worker 注册：持有激活代际与至多一个待激活代际。
type Registration struct {
	runtime     config.ScopeRuntime
	base        *url.URL
	store       cache.Store
	fetcher     network.Fetcher
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	concurrency int
	classifier  *classify.Classifier
	dispatcher  *strategy.Dispatcher

	lifecycle sync.Mutex
	waiting   cache.Generation

	active atomic.Pointer[cache.Generation]
	state  atomic.Value
}

// Status 是诊断接口返回的 scope 概览。
type Status struct {
	Name          string `json:"name"`
	Domain        string `json:"domain"`
	Preset        string `json:"preset"`
	Policy        string `json:"install_policy"`
	State         State  `json:"state"`
	ActiveVersion string `json:"active_version,omitempty"`
	Entries       int    `json:"entries"`
}

// NewRegistration 编译分类规则并创建策略分发器；此时尚无激活代际，请求全部透传。
func NewRegistration(opts Options) (*Registration, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	scope := opts.Runtime.Config
	base, err := url.Parse(scope.BaseURL())
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("scope %s: invalid base url %q", scope.Name, scope.BaseURL())
	}
	classifier, err := classify.New(base.String(), opts.Runtime.Profile)
	if err != nil {
		return nil, fmt.Errorf("scope %s: %w", scope.Name, err)
	}

	reg := &Registration{
		runtime:     opts.Runtime,
		base:        base,
		store:       opts.Store,
		fetcher:     opts.Fetcher,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		concurrency: opts.Concurrency,
		classifier:  classifier,
	}
	if reg.concurrency <= 0 {
		reg.concurrency = defaultConcurrency
	}

	offline := ""
	if page := opts.Runtime.Profile.OfflinePage; page != "" {
		offline = reg.Resolve(page)
	}
	reg.dispatcher, err = strategy.NewDispatcher(strategy.Options{
		Scope:       scope.Name,
		Fetcher:     opts.Fetcher,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		OfflinePage: offline,
	})
	if err != nil {
		return nil, err
	}
	reg.state.Store(StateIdle)
	return reg, nil
}

// Name 返回 scope 名称。
func (r *Registration) Name() string {
	return r.runtime.Config.Name
}

// Runtime 返回合并后的 scope 运行时配置。
func (r *Registration) Runtime() config.ScopeRuntime {
	return r.runtime
}

// Classify 对请求分类。
func (r *Registration) Classify(req *network.Request) classify.Classification {
	return r.classifier.Classify(req)
}

// Dispatcher 返回该 scope 的策略分发器。
func (r *Registration) Dispatcher() *strategy.Dispatcher {
	return r.dispatcher
}

// Fetcher 返回该 scope 的源站 fetcher，供透传请求使用。
func (r *Registration) Fetcher() network.Fetcher {
	return r.fetcher
}

// Active 返回当前激活代际，未激活时为 nil。
func (r *Registration) Active() cache.Generation {
	if gen := r.active.Load(); gen != nil {
		return *gen
	}
	return nil
}

// ActiveVersion 返回当前激活版本，未激活时为空串。
func (r *Registration) ActiveVersion() string {
	if gen := r.Active(); gen != nil {
		return gen.Version()
	}
	return ""
}

// State 返回最近一次生命周期转换后的状态。
func (r *Registration) State() State {
	if state, ok := r.state.Load().(State); ok {
		return state
	}
	return StateIdle
}

// Resolve 将相对地址解析为 scope 公开地址下的绝对 URL，绝对地址原样返回。
func (r *Registration) Resolve(raw string) string {
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if ref.IsAbs() {
		return raw
	}
	return r.base.ResolveReference(ref).String()
}

// Update 依次执行 Install 与 Activate，对应 install 后立即 skip-waiting 的行为。
func (r *Registration) Update(ctx context.Context, version string) (*InstallReport, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	report, err := r.install(ctx, version)
	if err != nil {
		return report, err
	}
	return report, r.activate(ctx)
}

// Install 预缓存指定版本，成功后进入 installed 状态等待 Activate。
func (r *Registration) Install(ctx context.Context, version string) (*InstallReport, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.install(ctx, version)
}

// Activate 激活待激活代际并删除该 scope 的其它所有版本。
func (r *Registration) Activate(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.activate(ctx)
}

// Reinstall 先清空全部代际，再重新安装并激活。
func (r *Registration) Reinstall(ctx context.Context, version string) (*InstallReport, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if err := r.unregister(ctx); err != nil {
		return nil, err
	}
	report, err := r.install(ctx, version)
	if err != nil {
		return report, err
	}
	return report, r.activate(ctx)
}

// Unregister 删除该 scope 的全部代际，之后请求透传直至下一次安装。
func (r *Registration) Unregister(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	return r.unregister(ctx)
}

// Adopt 在安装失败时接管磁盘上已存在的同版本代际，返回是否接管成功。
func (r *Registration) Adopt(ctx context.Context, version string) (bool, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	exists, err := r.versionExists(ctx, version)
	if err != nil || !exists {
		return false, err
	}
	gen, err := r.store.Open(ctx, r.Name(), version)
	if err != nil {
		return false, err
	}
	r.promote(ctx, gen)
	r.logger.WithFields(logging.ScopeFields("adopt", r.Name(), version)).Info("adopted existing generation")
	return true, nil
}

// Sync 处理后台同步事件：仅记录日志并确认，返回该标签是否被识别。
func (r *Registration) Sync(ctx context.Context, tag string) bool {
	handled := tag == BackgroundSyncTag
	fields := logging.ScopeFields("sync", r.Name(), r.ActiveVersion())
	fields["tag"] = tag
	fields["handled"] = handled
	r.logger.WithFields(fields).Info("background sync event")
	return handled
}

// Entries 列出激活代际中的请求标识。
func (r *Registration) Entries(ctx context.Context) ([]cache.RequestID, error) {
	gen := r.Active()
	if gen == nil {
		return nil, nil
	}
	return gen.Keys(ctx)
}

// Status 汇总当前 scope 状态；统计条目失败时条目数记为 -1。
func (r *Registration) Status(ctx context.Context) Status {
	status := Status{
		Name:          r.Name(),
		Domain:        r.runtime.Config.Domain,
		Preset:        r.runtime.Preset.Key,
		Policy:        string(r.runtime.Profile.InstallPolicy),
		State:         r.State(),
		ActiveVersion: r.ActiveVersion(),
	}
	if entries, err := r.Entries(ctx); err != nil {
		status.Entries = -1
	} else {
		status.Entries = len(entries)
	}
	return status
}

// Wait 等待后台刷新结束。
func (r *Registration) Wait() {
	r.dispatcher.Wait()
}

func (r *Registration) activate(ctx context.Context) error {
	gen := r.waiting
	if gen == nil {
		return ErrNothingWaiting
	}
	r.state.Store(StateActivating)
	fields := logging.ScopeFields("activate", r.Name(), gen.Version())

	// 先切换激活指针，再清理旧版本，缩短请求落空的窗口
	r.promote(ctx, gen)
	r.waiting = nil

	versions, err := r.store.Versions(ctx, r.Name())
	if err != nil {
		r.metrics.StoreError(r.Name(), "versions")
		r.logger.WithFields(fields).WithError(err).Warn("list versions failed")
		return nil
	}
	var removed []string
	for _, version := range versions {
		if version == gen.Version() {
			continue
		}
		if err := r.store.DeleteVersion(ctx, r.Name(), version); err != nil {
			r.metrics.StoreError(r.Name(), "delete_version")
			r.logger.WithFields(fields).WithField("stale_version", version).WithError(err).Warn("delete stale generation failed")
			continue
		}
		removed = append(removed, version)
	}
	fields["removed"] = removed
	r.logger.WithFields(fields).Info("generation activated")
	return nil
}

func (r *Registration) promote(ctx context.Context, gen cache.Generation) {
	r.active.Store(&gen)
	r.state.Store(StateActive)
	if keys, err := gen.Keys(ctx); err == nil {
		r.metrics.SetEntries(r.Name(), len(keys))
	}
}

func (r *Registration) unregister(ctx context.Context) error {
	versions, err := r.store.Versions(ctx, r.Name())
	if err != nil {
		r.metrics.StoreError(r.Name(), "versions")
		return err
	}
	r.active.Store(nil)
	r.waiting = nil
	for _, version := range versions {
		if err := r.store.DeleteVersion(ctx, r.Name(), version); err != nil {
			r.metrics.StoreError(r.Name(), "delete_version")
			return err
		}
	}
	r.state.Store(StateUnregistered)
	r.metrics.SetEntries(r.Name(), 0)
	fields := logging.ScopeFields("unregister", r.Name(), "")
	fields["removed"] = versions
	r.logger.WithFields(fields).Info("scope caches cleared")
	return nil
}

func (r *Registration) versionExists(ctx context.Context, version string) (bool, error) {
	versions, err := r.store.Versions(ctx, r.Name())
	if err != nil {
		return false, err
	}
	for _, v := range versions {
		if v == version {
			return true, nil
		}
	}
	return false, nil
}

// restoreState 在安装失败后恢复可观察状态：仍有激活代际时保持 active。
func (r *Registration) restoreState() {
	if r.Active() != nil {
		r.state.Store(StateActive)
		return
	}
	r.state.Store(StateRedundant)
}

func (r *Registration) policy() preset.InstallPolicy {
	if r.runtime.Profile.InstallPolicy == "" {
		return preset.PolicyBestEffort
	}
	return r.runtime.Profile.InstallPolicy
}
