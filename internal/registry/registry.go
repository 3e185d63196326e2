// Package registry 保存所有已知服务实例的元数据和状态
package registry

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hewenyu/service-mesh/internal/config"
	"github.com/hewenyu/service-mesh/internal/metrics"
	"github.com/hewenyu/service-mesh/pkg/model"
	"go.uber.org/zap"
)

// EventPublisher 发布事件的能力，由事件总线实现
type EventPublisher interface {
	Publish(event model.Event) model.Event
}

// Registry 基于内存的服务注册表
type Registry struct {
	services map[string]*model.ServiceRecord
	mutex    sync.RWMutex

	// seq 单调递增，同时用作注册代数和探测序号
	seq         uint64
	generations map[string]uint64
	applied     map[string]uint64 // 每个服务最近一次写入状态时的序号

	publisher EventPublisher
	logger    config.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option 注册表配置项
type Option func(*Registry)

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock 设置时钟，用于测试
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New 创建服务注册表，publisher可以为nil
func New(publisher EventPublisher, logger config.Logger, opts ...Option) *Registry {
	r := &Registry{
		services:    make(map[string]*model.ServiceRecord),
		generations: make(map[string]uint64),
		applied:     make(map[string]uint64),
		publisher:   publisher,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 注册或替换服务实例。记录会被整体替换，状态设为在线，
// 并发布service.registered事件。注册时不检查服务是否可达。
func (r *Registry) Register(record model.ServiceRecord) (*model.ServiceRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.BaseURL = strings.TrimRight(strings.TrimSpace(record.BaseURL), "/")
	if record.ID == "" || record.BaseURL == "" {
		return nil, model.NewInvalidArgumentError("服务ID和地址不能为空")
	}

	stored := record.Clone()
	stored.Status = model.StatusOnline
	stored.LastSeen = r.now()

	r.mutex.Lock()
	_, replaced := r.services[stored.ID]
	r.services[stored.ID] = stored
	r.seq++
	r.generations[stored.ID] = r.seq
	delete(r.applied, stored.ID)
	total, online := r.countLocked()
	r.mutex.Unlock()

	r.metrics.SetServices(total, online)
	r.logger.Info("服务已注册",
		zap.String("id", stored.ID),
		zap.String("name", stored.Name),
		zap.String("base_url", stored.BaseURL),
		zap.Bool("replaced", replaced))

	r.publish(model.ServiceRegistered{ServiceRecord: *stored.Clone()})
	return stored.Clone(), nil
}

// Unregister 注销服务实例，服务不存在时什么都不做。返回是否确实移除了服务。
func (r *Registry) Unregister(id string) bool {
	r.mutex.Lock()
	existing, ok := r.services[id]
	if ok {
		delete(r.services, id)
		delete(r.generations, id)
		delete(r.applied, id)
	}
	total, online := r.countLocked()
	r.mutex.Unlock()

	if !ok {
		return false
	}

	r.metrics.SetServices(total, online)
	r.logger.Info("服务已注销", zap.String("id", id), zap.String("name", existing.Name))
	r.publish(model.ServiceUnregistered{ID: existing.ID, Name: existing.Name})
	return true
}

// Get 获取服务实例的副本
func (r *Registry) Get(id string) (*model.ServiceRecord, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	record, ok := r.services[id]
	if !ok {
		return nil, model.NewNotFoundError("服务不存在: " + id)
	}
	return record.Clone(), nil
}

// ListAll 返回所有服务实例的快照，按ID排序
func (r *Registry) ListAll() []*model.ServiceRecord {
	return r.list(func(*model.ServiceRecord) bool { return true })
}

// ListByCapability 返回具备指定能力的服务实例快照，没有匹配时返回空切片
func (r *Registry) ListByCapability(tag string) []*model.ServiceRecord {
	return r.list(func(s *model.ServiceRecord) bool { return s.HasCapability(tag) })
}

func (r *Registry) list(match func(*model.ServiceRecord) bool) []*model.ServiceRecord {
	r.mutex.RLock()
	services := make([]*model.ServiceRecord, 0, len(r.services))
	for _, record := range r.services {
		if match(record) {
			services = append(services, record.Clone())
		}
	}
	r.mutex.RUnlock()

	slices.SortFunc(services, func(a, b *model.ServiceRecord) int {
		return strings.Compare(a.ID, b.ID)
	})
	return services
}

// UpdateStatus 直接更新服务状态，返回之前的状态。状态为在线时刷新最近可见时间。
// 在此之前开始的健康探测结果都会被丢弃。
func (r *Registry) UpdateStatus(id string, status model.ServiceStatus) (model.ServiceStatus, error) {
	if !status.Valid() || status == "" {
		return "", model.NewInvalidArgumentError("无效的服务状态: " + string(status))
	}

	r.mutex.Lock()
	record, ok := r.services[id]
	if !ok {
		r.mutex.Unlock()
		return "", model.NewNotFoundError("服务不存在: " + id)
	}
	r.seq++
	previous := r.setStatusLocked(id, record, status, r.seq)
	total, online := r.countLocked()
	r.mutex.Unlock()

	r.metrics.SetServices(total, online)
	return previous, nil
}

// Heartbeat 刷新服务的最近可见时间，不改变状态也不发布事件。
// 状态由健康监控负责，心跳只说明服务进程还在运行。
func (r *Registry) Heartbeat(id string) (*model.ServiceRecord, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	record, ok := r.services[id]
	if !ok {
		return nil, model.NewNotFoundError("服务不存在: " + id)
	}
	record.LastSeen = r.now()
	return record.Clone(), nil
}

// BeginProbe 为一次健康探测领取凭据，凭据记录了当前的服务地址和注册代数
func (r *Registry) BeginProbe(id string) (model.ProbeTicket, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	record, ok := r.services[id]
	if !ok {
		return model.ProbeTicket{}, model.NewNotFoundError("服务不存在: " + id)
	}
	r.seq++
	return model.ProbeTicket{
		ID:         id,
		BaseURL:    record.BaseURL,
		Generation: r.generations[id],
		Seq:        r.seq,
	}, nil
}

// CompleteProbe 写回探测结果，返回之前的状态和结果是否被采纳。
// 探测期间服务被重新注册，或者更晚开始的探测（或手动更新）已经写入状态时，结果被丢弃。
func (r *Registry) CompleteProbe(ticket model.ProbeTicket, status model.ServiceStatus) (model.ServiceStatus, bool, error) {
	if !status.Valid() || status == "" {
		return "", false, model.NewInvalidArgumentError("无效的服务状态: " + string(status))
	}

	r.mutex.Lock()
	record, ok := r.services[ticket.ID]
	if !ok {
		r.mutex.Unlock()
		return "", false, model.NewNotFoundError("服务不存在: " + ticket.ID)
	}
	if r.generations[ticket.ID] != ticket.Generation || ticket.Seq <= r.applied[ticket.ID] {
		current := record.Status.Effective()
		r.mutex.Unlock()
		return current, false, nil
	}
	previous := r.setStatusLocked(ticket.ID, record, status, ticket.Seq)
	total, online := r.countLocked()
	r.mutex.Unlock()

	r.metrics.SetServices(total, online)
	return previous, true, nil
}

func (r *Registry) setStatusLocked(id string, record *model.ServiceRecord, status model.ServiceStatus, seq uint64) model.ServiceStatus {
	previous := record.Status.Effective()
	record.Status = status
	if status == model.StatusOnline {
		record.LastSeen = r.now()
	}
	r.applied[id] = seq
	return previous
}

// Stats 返回注册服务总数和在线服务数
func (r *Registry) Stats() (total, online int) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.countLocked()
}

func (r *Registry) countLocked() (total, online int) {
	for _, record := range r.services {
		if record.Status.Effective() == model.StatusOnline {
			online++
		}
	}
	return len(r.services), online
}

func (r *Registry) publish(data model.Payload) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(model.NewEvent(model.SourceMesh, data))
}
