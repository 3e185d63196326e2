// Package metrics 定义服务网格的Prometheus指标，所有方法在接收者为nil时都是空操作
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "service_mesh"

// Metrics 服务网格指标集合
type Metrics struct {
	registry *prometheus.Registry

	servicesRegistered prometheus.Gauge
	servicesOnline     prometheus.Gauge
	eventsPublished    *prometheus.CounterVec
	handlerErrors      *prometheus.CounterVec
	healthProbes       *prometheus.CounterVec
	workflowRuns       *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
}

// New 创建指标集合并注册到独立的Registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		servicesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services_registered",
			Help:      "当前注册的服务数量",
		}),
		servicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services_online",
			Help:      "当前在线的服务数量",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "按类型统计的已发布事件数",
		}, []string{"type"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handler_errors_total",
			Help:      "事件处理函数失败次数",
		}, []string{"type"}),
		healthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "健康探测次数",
		}, []string{"result"}),
		workflowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "工作流执行次数",
		}, []string{"workflow", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "工作流步骤耗时",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.servicesRegistered,
		m.servicesOnline,
		m.eventsPublished,
		m.handlerErrors,
		m.healthProbes,
		m.workflowRuns,
		m.stepDuration,
	)
	return m
}

// Handler 返回Prometheus暴露指标的HTTP处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetServices 记录注册服务数和在线服务数
func (m *Metrics) SetServices(total, online int) {
	if m == nil {
		return
	}
	m.servicesRegistered.Set(float64(total))
	m.servicesOnline.Set(float64(online))
}

// EventPublished 记录一次事件发布
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// HandlerErrors 记录事件处理函数失败次数
func (m *Metrics) HandlerErrors(eventType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.handlerErrors.WithLabelValues(eventType).Add(float64(n))
}

// HealthProbe 记录一次健康探测结果
func (m *Metrics) HealthProbe(healthy bool) {
	if m == nil {
		return
	}
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	m.healthProbes.WithLabelValues(result).Inc()
}

// WorkflowRun 记录一次工作流执行结果
func (m *Metrics) WorkflowRun(workflow string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.workflowRuns.WithLabelValues(workflow, result).Inc()
}

// ObserveStep 记录一个工作流步骤的耗时
func (m *Metrics) ObserveStep(service string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(service).Observe(d.Seconds())
}
