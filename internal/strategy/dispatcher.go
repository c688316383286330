// Package strategy 实现缓存优先与网络优先两种响应策略，并负责后台刷新的生命周期。
package strategy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/eternlty/offline-cache/internal/cache"
	"github.com/eternlty/offline-cache/internal/classify"
	"github.com/eternlty/offline-cache/internal/logging"
	"github.com/eternlty/offline-cache/internal/metrics"
	"github.com/eternlty/offline-cache/internal/network"
)

// Outcome 描述响应的来源，用于响应头、日志与指标。
type Outcome string

const (
	// OutcomeHit 缓存优先命中。
	OutcomeHit Outcome = "hit"
	// OutcomeMiss 缓存优先未命中，已回源。
	OutcomeMiss Outcome = "miss"
	// OutcomeNetwork 网络优先回源成功。
	OutcomeNetwork Outcome = "network"
	// OutcomeStale 网络失败，返回已存储的副本。
	OutcomeStale Outcome = "stale"
	// OutcomeFallback 网络失败且无副本，返回离线页。
	OutcomeFallback Outcome = "fallback"
	// OutcomeBypass 未拦截，直接透传源站。
	OutcomeBypass Outcome = "bypass"
)

// Result 是一次分发的结果。调用方负责关闭 Response。
type Result struct {
	Response *network.Response
	Outcome  Outcome
}

// Options 配置单个 scope 的分发器。
type Options struct {
	Scope   string
	Fetcher network.Fetcher
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	// OfflinePage 是离线页的绝对地址，为空时不提供离线兜底。
	OfflinePage string
	// Now 便于测试注入时间。
	Now func() time.Time
}

// Dispatcher 按分类执行策略。后台刷新使用独立 context，通过 Wait 等待全部完成。
type Dispatcher struct {
	scope   string
	fetcher network.Fetcher
	logger  *logrus.Logger
	metrics *metrics.Metrics
	offline string
	now     func() time.Time

	background conc.WaitGroup
}

// NewDispatcher 创建分发器，Fetcher 与 Logger 为必填项。
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		scope:   opts.Scope,
		fetcher: opts.Fetcher,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		offline: opts.OfflinePage,
		now:     now,
	}, nil
}

// Dispatch 根据分类选择策略。gen 为 nil（尚无激活代际）时一律透传。
func (d *Dispatcher) Dispatch(ctx context.Context, class classify.Classification, gen cache.Generation, req *network.Request) (*Result, error) {
	if gen == nil || !class.Intercepted() {
		return d.Bypass(ctx, req)
	}
	switch class {
	case classify.CacheFirst:
		return d.CacheFirst(ctx, gen, req)
	default:
		return d.NetworkFirst(ctx, gen, req)
	}
}

// Bypass 直接回源，不读写缓存。
func (d *Dispatcher) Bypass(ctx context.Context, req *network.Request) (*Result, error) {
	resp, err := d.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Outcome: OutcomeBypass}, nil
}

// CacheFirst 命中时立即返回并在后台刷新；未命中时回源，200 响应写入缓存后返回。
func (d *Dispatcher) CacheFirst(ctx context.Context, gen cache.Generation, req *network.Request) (*Result, error) {
	id, err := req.Identity()
	if err != nil {
		return d.Bypass(ctx, req)
	}

	if snapshot := d.match(ctx, gen, id); snapshot != nil {
		d.revalidate(gen, req, id)
		return &Result{Response: network.FromSnapshot(snapshot), Outcome: OutcomeHit}, nil
	}

	resp, err := d.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := d.storeIfOK(ctx, gen, id, resp); err != nil {
		resp.Close()
		return nil, err
	}
	return &Result{Response: resp, Outcome: OutcomeMiss}, nil
}

// NetworkFirst 优先回源；仅传输失败时依次尝试已存储副本与离线页。
func (d *Dispatcher) NetworkFirst(ctx context.Context, gen cache.Generation, req *network.Request) (*Result, error) {
	id, err := req.Identity()
	if err != nil {
		return d.Bypass(ctx, req)
	}

	resp, fetchErr := d.fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		if err := d.storeIfOK(ctx, gen, id, resp); err != nil {
			resp.Close()
			return nil, err
		}
		return &Result{Response: resp, Outcome: OutcomeNetwork}, nil
	}
	if !network.IsNetworkError(fetchErr) {
		return nil, fetchErr
	}

	if snapshot := d.match(ctx, gen, id); snapshot != nil {
		return &Result{Response: network.FromSnapshot(snapshot), Outcome: OutcomeStale}, nil
	}
	if d.offline != "" && req.IsNavigation() {
		if offlineID, err := cache.NewRequestID(http.MethodGet, d.offline); err == nil {
			if snapshot := d.match(ctx, gen, offlineID); snapshot != nil {
				return &Result{Response: network.FromSnapshot(snapshot), Outcome: OutcomeFallback}, nil
			}
		}
	}
	return nil, fetchErr
}

// Wait 阻塞直到所有后台刷新结束，用于优雅退出与测试。
func (d *Dispatcher) Wait() {
	if recovered := d.background.WaitAndRecover(); recovered != nil {
		d.logger.WithFields(logging.ScopeFields("revalidate", d.scope, "")).
			WithField("panic", recovered.Value).
			Error("revalidate_panic")
	}
}

// match 查询缓存；非 ErrNotFound 的错误记录后按未命中处理。
func (d *Dispatcher) match(ctx context.Context, gen cache.Generation, id cache.RequestID) *cache.Snapshot {
	snapshot, err := gen.Match(ctx, id)
	if err == nil {
		return snapshot
	}
	if !errors.Is(err, cache.ErrNotFound) {
		d.storeFailed(gen, "match", id, err)
	}
	return nil
}

// storeIfOK 仅缓存 200 响应。写入失败只记录日志，不影响本次返回；读取正文失败视为网络错误。
func (d *Dispatcher) storeIfOK(ctx context.Context, gen cache.Generation, id cache.RequestID, resp *network.Response) error {
	if resp.Status != http.StatusOK {
		return nil
	}
	snapshot, err := resp.Snapshot(id, d.now())
	if err != nil {
		return &network.NetworkError{URL: id.URL, Err: err}
	}
	if err := gen.Put(ctx, id, snapshot); err != nil {
		d.storeFailed(gen, "put", id, err)
	}
	return nil
}

// revalidate 在后台重新获取并覆盖缓存。请求结束后 fiber ctx 会被回收，因此使用独立 context。
func (d *Dispatcher) revalidate(gen cache.Generation, req *network.Request, id cache.RequestID) {
	detached := *req
	detached.Header = req.Header.Clone()
	detached.Body = nil

	d.background.Go(func() {
		ctx := context.Background()
		fields := logging.ScopeFields("revalidate", d.scope, gen.Version())
		fields["url"] = id.URL

		resp, err := d.fetcher.Fetch(ctx, &detached)
		if err != nil {
			d.metrics.Revalidation(d.scope, "failed")
			d.logger.WithFields(fields).WithError(err).Warn("revalidate_failed")
			return
		}
		defer resp.Close()
		if resp.Status != http.StatusOK {
			d.metrics.Revalidation(d.scope, "skipped")
			fields["upstream_status"] = resp.Status
			d.logger.WithFields(fields).Debug("revalidate_skipped")
			return
		}
		snapshot, err := resp.Snapshot(id, d.now())
		if err != nil {
			d.metrics.Revalidation(d.scope, "failed")
			d.logger.WithFields(fields).WithError(err).Warn("revalidate_failed")
			return
		}
		if err := gen.Put(ctx, id, snapshot); err != nil {
			if errors.Is(err, cache.ErrGenerationDeleted) {
				d.metrics.Revalidation(d.scope, "skipped")
				d.logger.WithFields(fields).Debug("revalidate_generation_gone")
				return
			}
			d.metrics.Revalidation(d.scope, "failed")
			d.storeFailed(gen, "put", id, err)
			return
		}
		d.metrics.Revalidation(d.scope, "updated")
	})
}

func (d *Dispatcher) storeFailed(gen cache.Generation, op string, id cache.RequestID, err error) {
	d.metrics.StoreError(d.scope, op)
	fields := logging.ScopeFields("cache_"+op, d.scope, gen.Version())
	fields["url"] = id.URL
	d.logger.WithFields(fields).WithError(err).Warn("cache_store_failed")
}
