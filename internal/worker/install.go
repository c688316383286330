package worker

import (
	"context"
	"net/http"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/eternlty/offline-cache/internal/cache"
	"github.com/eternlty/offline-cache/internal/logging"
	"github.com/eternlty/offline-cache/internal/network"
	"github.com/eternlty/offline-cache/internal/preset"
)

// FileResult 是单个预缓存地址的处理结果。
type FileResult struct {
	URL    string `json:"url"`
	Core   bool   `json:"core"`
	Status int    `json:"status,omitempty"`
	Cached bool   `json:"cached"`
	Error  string `json:"error,omitempty"`

	err error
}

// InstallReport 汇总一次安装的结果。
type InstallReport struct {
	Scope   string               `json:"scope"`
	Version string               `json:"version"`
	Policy  preset.InstallPolicy `json:"install_policy"`
	Results []FileResult         `json:"results"`
	Cached  int                  `json:"cached"`
	Failed  int                  `json:"failed"`
}

func (rep *InstallReport) add(results []FileResult) {
	for _, result := range results {
		if result.Cached {
			rep.Cached++
		} else {
			rep.Failed++
		}
		rep.Results = append(rep.Results, result)
	}
}

func coreFailures(results []FileResult) []FileFailure {
	var failures []FileFailure
	for _, result := range results {
		if !result.Cached {
			failures = append(failures, FileFailure{URL: result.URL, Err: result.err})
		}
	}
	return failures
}

func (r *Registration) install(ctx context.Context, version string) (*InstallReport, error) {
	policy := r.policy()
	report := &InstallReport{Scope: r.Name(), Version: version, Policy: policy}
	fields := logging.ScopeFields("install", r.Name(), version)
	fields["policy"] = string(policy)

	r.state.Store(StateInstalling)
	preexisting, err := r.versionExists(ctx, version)
	if err != nil {
		r.restoreState()
		r.metrics.Install(r.Name(), "failed")
		return report, err
	}
	gen, err := r.store.Open(ctx, r.Name(), version)
	if err != nil {
		r.restoreState()
		r.metrics.Install(r.Name(), "failed")
		r.logger.WithFields(fields).WithError(err).Error("open generation failed")
		return report, err
	}

	profile := r.runtime.Profile
	core := r.precacheAll(ctx, gen, profile.CoreFiles, true)
	report.add(core)

	if failures := coreFailures(core); len(failures) > 0 {
		for _, failure := range failures {
			r.logger.WithFields(fields).WithField("url", failure.URL).WithError(failure.Err).Warn("core file not cached")
		}
		if policy == preset.PolicyAllOrNothing {
			// 新建的代际整体丢弃；已存在的同版本代际保留，供激活或接管
			if !preexisting && r.ActiveVersion() != version {
				if err := r.store.DeleteVersion(ctx, r.Name(), version); err != nil {
					r.metrics.StoreError(r.Name(), "delete_version")
					r.logger.WithFields(fields).WithError(err).Warn("discard failed generation")
				}
			}
			r.restoreState()
			r.metrics.Install(r.Name(), "failed")
			installErr := &InstallationError{Version: version, Failures: failures}
			r.logger.WithFields(fields).WithError(installErr).Error("install aborted")
			return report, installErr
		}
	}

	optional := r.precacheAll(ctx, gen, profile.OptionalFiles, false)
	for _, result := range optional {
		if !result.Cached {
			r.logger.WithFields(fields).WithField("url", result.URL).WithError(result.err).Warn("optional file not cached")
		}
	}
	report.add(optional)

	r.waiting = gen
	r.state.Store(StateInstalled)
	r.metrics.Install(r.Name(), "ok")
	fields["cached"] = report.Cached
	fields["failed"] = report.Failed
	r.logger.WithFields(fields).Info("install complete")
	return report, nil
}

// precacheAll 以有限并发预缓存 urls，结果顺序与输入一致。
func (r *Registration) precacheAll(ctx context.Context, gen cache.Generation, urls []string, core bool) []FileResult {
	if len(urls) == 0 {
		return nil
	}
	results := make([]FileResult, len(urls))
	p := pool.New().WithMaxGoroutines(r.concurrency)
	for i, raw := range urls {
		p.Go(func() {
			results[i] = r.precache(ctx, gen, r.Resolve(raw), core)
		})
	}
	p.Wait()
	return results
}

// precache 绕过中间缓存获取单个地址，仅 200 响应写入代际。
func (r *Registration) precache(ctx context.Context, gen cache.Generation, target string, core bool) FileResult {
	result := FileResult{URL: target, Core: core}
	fail := func(err error) FileResult {
		result.err = err
		result.Error = err.Error()
		return result
	}

	id, err := cache.NewRequestID(http.MethodGet, target)
	if err != nil {
		return fail(err)
	}
	req := network.NewRequest(http.MethodGet, target, http.Header{
		"Cache-Control": []string{"no-cache"},
		"Pragma":        []string{"no-cache"},
	})
	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		return fail(err)
	}
	defer resp.Close()

	result.Status = resp.Status
	if resp.Status != http.StatusOK {
		return fail(errUnexpectedStatus(resp.Status))
	}
	snapshot, err := resp.Snapshot(id, time.Now())
	if err != nil {
		return fail(&network.NetworkError{URL: target, Err: err})
	}
	if err := gen.Put(ctx, id, snapshot); err != nil {
		r.metrics.StoreError(r.Name(), "put")
		return fail(err)
	}
	result.Cached = true
	return result
}
