// Package mesh 组装注册表、健康监控、事件总线和工作流引擎，对外提供统一入口
package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/hewenyu/service-mesh/internal/config"
	"github.com/hewenyu/service-mesh/internal/eventbus"
	"github.com/hewenyu/service-mesh/internal/health"
	"github.com/hewenyu/service-mesh/internal/invoke"
	"github.com/hewenyu/service-mesh/internal/metrics"
	"github.com/hewenyu/service-mesh/internal/registry"
	"github.com/hewenyu/service-mesh/internal/workflow"
	"github.com/hewenyu/service-mesh/pkg/model"
	"go.uber.org/zap"
)

// Stats 服务网格统计信息
type Stats struct {
	TotalServices        int `json:"total_services"`
	OnlineServices       int `json:"online_services"`
	TotalEvents          int `json:"total_events"`
	EventTypes           int `json:"event_types"`
	SubscribedEventTypes int `json:"subscribed_event_types"`
}

// Mesh 服务网格
type Mesh struct {
	Bus      *eventbus.Bus
	Registry *registry.Registry
	Monitor  *health.Monitor
	Caller   *invoke.Caller
	Engine   *workflow.Engine
	Catalog  *workflow.Catalog
	Metrics  *metrics.Metrics

	cfg    *config.Config
	logger config.Logger

	mu     sync.Mutex
	unsubs []func()
	closed bool
	wg     sync.WaitGroup
}

// New 根据配置创建服务网格，m可以为nil
func New(cfg *config.Config, logger config.Logger, m *metrics.Metrics) *Mesh {
	bus := eventbus.New(logger,
		eventbus.WithHistoryCapacity(cfg.Events.HistoryCapacity),
		eventbus.WithMetrics(m))
	reg := registry.New(bus, logger, registry.WithMetrics(m))
	monitor := health.NewMonitor(reg, logger,
		health.WithTimeout(cfg.Health.Timeout),
		health.WithConcurrency(cfg.Health.Concurrency),
		health.WithPublisher(bus),
		health.WithMetrics(m))
	caller := invoke.NewCaller(reg, logger, invoke.WithTimeout(cfg.Workflow.StepTimeout))
	engine := workflow.NewEngine(caller, logger,
		workflow.WithStepTimeout(cfg.Workflow.StepTimeout),
		workflow.WithPublisher(bus),
		workflow.WithMetrics(m))

	return &Mesh{
		Bus:      bus,
		Registry: reg,
		Monitor:  monitor,
		Caller:   caller,
		Engine:   engine,
		Catalog:  workflow.NewCatalog(engine),
		Metrics:  m,
		cfg:      cfg,
		logger:   logger,
	}
}

// Bootstrap 注册配置中的服务和工作流，并挂载事件日志和工作流触发器
func (m *Mesh) Bootstrap() error {
	for _, def := range m.cfg.Workflows {
		if err := m.Catalog.Register(def); err != nil {
			return fmt.Errorf("加载工作流%s失败: %w", def.Name, err)
		}
	}

	m.mu.Lock()
	m.unsubs = append(m.unsubs, m.Bus.Subscribe(model.EventWildcard, m.logEvent))
	if m.cfg.Workflow.EnableTriggers {
		m.unsubs = append(m.unsubs, m.Bus.Subscribe(model.EventWildcard, m.triggerWorkflow))
	}
	m.mu.Unlock()

	for _, svc := range m.cfg.Services {
		if _, err := m.Registry.Register(svc); err != nil {
			return fmt.Errorf("注册服务%s失败: %w", svc.ID, err)
		}
	}

	m.logger.Info("服务网格已就绪",
		zap.Int("services", len(m.cfg.Services)),
		zap.Strings("workflows", m.Catalog.Names()))
	return nil
}

// Stats 返回服务网格统计信息
func (m *Mesh) Stats() Stats {
	total, online := m.Registry.Stats()
	bus := m.Bus.Stats()
	return Stats{
		TotalServices:        total,
		OnlineServices:       online,
		TotalEvents:          bus.TotalEvents,
		EventTypes:           bus.EventTypes,
		SubscribedEventTypes: bus.SubscribedEventTypes,
	}
}

// Close 取消内部订阅，并等待由事件触发的工作流结束。
// 关闭之后到达的触发事件不再启动工作流。
func (m *Mesh) Close() {
	m.mu.Lock()
	m.closed = true
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	m.wg.Wait()
}

func (m *Mesh) logEvent(event model.Event) error {
	m.logger.Debug("收到事件",
		zap.String("type", event.Type),
		zap.String("source", event.Source),
		zap.String("id", event.ID))
	return nil
}

// triggerWorkflow 发布workflow.<name>事件时异步执行同名工作流
func (m *Mesh) triggerWorkflow(event model.Event) error {
	name, ok := workflow.TriggerName(event.Type)
	if !ok {
		return nil
	}
	if _, err := m.Catalog.Get(name); err != nil {
		m.logger.Debug("没有与事件同名的工作流", zap.String("type", event.Type))
		return nil
	}

	// wg.Add与Close中的Wait不能并发，closed和Add都在锁内
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Debug("服务网格已关闭，忽略工作流触发", zap.String("workflow", name))
		return nil
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if _, err := m.Catalog.Run(context.Background(), name); err != nil {
			m.logger.Warn("事件触发的工作流失败",
				zap.String("workflow", name),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}()
	return nil
}
