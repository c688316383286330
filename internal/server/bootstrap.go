package server

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/eternlty/offline-cache/internal/cache"
	"github.com/eternlty/offline-cache/internal/config"
	"github.com/eternlty/offline-cache/internal/metrics"
	"github.com/eternlty/offline-cache/internal/network"
	"github.com/eternlty/offline-cache/internal/worker"
)

func runtimeForScope(scope config.ScopeConfig) (config.ScopeRuntime, error) {
	meta, ok := scope.ResolvePreset()
	if !ok {
		return config.ScopeRuntime{}, fmt.Errorf("preset %s is not registered", scope.Preset)
	}
	return config.BuildScopeRuntime(scope, meta), nil
}

// RegistrationDeps 汇总所有 scope 共享的依赖。
type RegistrationDeps struct {
	Store       cache.Store
	Client      *http.Client
	Logger      *logrus.Logger
	Metrics     *metrics.Metrics
	Concurrency int
}

// NewRegistrationBuilder 返回默认的 RegistrationBuilder：每个 scope 一个 HTTPFetcher，共享 Store 与 http.Client。
func NewRegistrationBuilder(deps RegistrationDeps) RegistrationBuilder {
	return func(runtime config.ScopeRuntime) (*worker.Registration, error) {
		scope := runtime.Config
		fetcher, err := network.NewHTTPFetcher(deps.Client, scope.BaseURL(), scope.Upstream, scope.Proxy)
		if err != nil {
			return nil, err
		}
		return worker.NewRegistration(worker.Options{
			Runtime:     runtime,
			Store:       deps.Store,
			Fetcher:     fetcher,
			Logger:      deps.Logger,
			Metrics:     deps.Metrics,
			Concurrency: deps.Concurrency,
		})
	}
}
