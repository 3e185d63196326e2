// Package health 按需探测已注册服务的健康状态并写回注册表
package health

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hewenyu/service-mesh/internal/config"
	"github.com/hewenyu/service-mesh/internal/metrics"
	"github.com/hewenyu/service-mesh/pkg/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTimeout 默认的单次探测超时
	DefaultTimeout = 2 * time.Second
	// DefaultConcurrency 默认的并发探测数
	DefaultConcurrency = 8
	// healthPath 被探测服务暴露的健康检查路径
	healthPath = "/health"
)

// ServiceStore 健康监控依赖的注册表能力。
// CompleteProbe需要丢弃过期凭据的结果，保证最晚开始的探测决定最终状态。
type ServiceStore interface {
	Get(id string) (*model.ServiceRecord, error)
	ListAll() []*model.ServiceRecord
	BeginProbe(id string) (model.ProbeTicket, error)
	CompleteProbe(ticket model.ProbeTicket, status model.ServiceStatus) (model.ServiceStatus, bool, error)
}

// EventPublisher 发布事件的能力
type EventPublisher interface {
	Publish(event model.Event) model.Event
}

// Monitor 健康监控器，自身不持有定时器
type Monitor struct {
	store       ServiceStore
	client      *http.Client
	timeout     time.Duration
	concurrency int
	publisher   EventPublisher
	metrics     *metrics.Metrics
	logger      config.Logger
}

// Option 健康监控器配置项
type Option func(*Monitor)

// WithTimeout 设置单次探测超时
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithHTTPClient 设置探测使用的HTTP客户端
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

// WithConcurrency 设置CheckAll的最大并发数
func WithConcurrency(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithPublisher 设置状态变化事件的发布者
func WithPublisher(p EventPublisher) Option {
	return func(m *Monitor) { m.publisher = p }
}

// WithMetrics 设置指标
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// NewMonitor 创建健康监控器
func NewMonitor(store ServiceStore, logger config.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		store:       store,
		client:      &http.Client{},
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check 探测单个服务，返回是否健康。服务未注册时返回false。
// 不可达只会记录为离线状态，不会作为错误返回。
// 探测期间服务被重新注册或者有更晚的探测写入了状态时，本次结果不写回注册表。
func (m *Monitor) Check(ctx context.Context, id string) bool {
	ticket, err := m.store.BeginProbe(id)
	if err != nil {
		m.logger.Debug("探测的服务不存在", zap.String("id", id))
		return false
	}

	healthy := m.probe(ctx, ticket.BaseURL)
	m.metrics.HealthProbe(healthy)

	status := model.StatusOffline
	if healthy {
		status = model.StatusOnline
	}

	previous, applied, err := m.store.CompleteProbe(ticket, status)
	if err != nil {
		// 探测期间服务被注销
		m.logger.Debug("更新服务状态失败", zap.String("id", id), zap.Error(err))
		return healthy
	}
	if !applied {
		m.logger.Debug("探测结果已过期，不写回状态",
			zap.String("id", id),
			zap.String("base_url", ticket.BaseURL),
			zap.Bool("healthy", healthy))
		return healthy
	}

	if previous != status {
		m.logger.Info("服务状态变化",
			zap.String("id", id),
			zap.String("previous", string(previous)),
			zap.String("current", string(status)))
		m.publishChange(id, previous, status)
	}
	return healthy
}

// CheckAll 并发探测所有已注册服务，返回每个服务的健康结果
func (m *Monitor) CheckAll(ctx context.Context) map[string]bool {
	services := m.store.ListAll()
	results := make(map[string]bool, len(services))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, svc := range services {
		id := svc.ID
		g.Go(func() error {
			healthy := m.Check(gctx, id)
			mu.Lock()
			results[id] = healthy
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// probe 请求{baseURL}/health，2xx视为健康
func (m *Monitor) probe(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+healthPath, nil)
	if err != nil {
		m.logger.Warn("创建健康检查请求失败", zap.String("base_url", baseURL), zap.Error(err))
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("健康检查请求失败", zap.String("base_url", baseURL), zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (m *Monitor) publishChange(id string, previous, current model.ServiceStatus) {
	if m.publisher == nil {
		return
	}
	var lastSeen time.Time
	if record, err := m.store.Get(id); err == nil {
		lastSeen = record.LastSeen
	}
	m.publisher.Publish(model.NewEvent(model.SourceMesh, model.ServiceStatusChanged{
		ID:       id,
		Previous: previous,
		Current:  current,
		LastSeen: lastSeen,
	}))
}
