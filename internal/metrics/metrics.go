// Package metrics 维护进程内独立的 Prometheus registry，统计请求结果、存储异常与安装情况。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "offline_cache"

// Metrics 聚合所有采集器。零值不可用，请通过 New 创建；nil 接收者上的方法均为空操作。
type Metrics struct {
	registry      *prometheus.Registry
	requests      *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	installs      *prometheus.CounterVec
	revalidations *prometheus.CounterVec
	entries       *prometheus.GaugeVec
}

// New 创建独立 registry，避免与全局 DefaultRegisterer 冲突（测试中可重复创建）。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied requests by scope, classification and outcome",
		}, []string{"scope", "classification", "outcome"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Cache store failures by scope and operation",
		}, []string{"scope", "op"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_total",
			Help:      "Install attempts by scope and result",
		}, []string{"scope", "result"}),
		revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revalidations_total",
			Help:      "Background revalidations by scope and result",
		}, []string{"scope", "result"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_entries",
			Help:      "Entries stored in the active generation of each scope",
		}, []string{"scope"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.storeErrors,
		m.installs,
		m.revalidations,
		m.entries,
	)
	return m
}

// ObserveRequest 记录一次代理请求的分类与结果。
func (m *Metrics) ObserveRequest(scope, classification, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(scope, classification, outcome).Inc()
}

// StoreError 记录被吞掉的存储异常。
func (m *Metrics) StoreError(scope, op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(scope, op).Inc()
}

// Install 记录安装结果：ok / failed。
func (m *Metrics) Install(scope, result string) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(scope, result).Inc()
}

// Revalidation 记录后台刷新结果：updated / skipped / failed。
func (m *Metrics) Revalidation(scope, result string) {
	if m == nil {
		return
	}
	m.revalidations.WithLabelValues(scope, result).Inc()
}

// SetEntries 更新当前激活代际的条目数。
func (m *Metrics) SetEntries(scope string, count int) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(scope).Set(float64(count))
}

// Registry 暴露底层 registry，便于测试直接 Gather。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 Prometheus exposition handler。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
