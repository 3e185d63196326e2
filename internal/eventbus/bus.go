// Package eventbus 实现进程内的发布/订阅事件总线，带有固定容量的事件历史
package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hewenyu/service-mesh/internal/config"
	"github.com/hewenyu/service-mesh/internal/metrics"
	"github.com/hewenyu/service-mesh/pkg/model"
	"go.uber.org/zap"
)

// DefaultHistoryCapacity 默认的事件历史容量
const DefaultHistoryCapacity = 1000

// Handler 事件处理函数，返回的错误只会被记录，不会影响其他处理函数
type Handler func(event model.Event) error

// Subscriber 订阅事件的能力
type Subscriber interface {
	Subscribe(eventType string, handler Handler) func()
}

// Stats 事件总线统计信息
type Stats struct {
	TotalEvents          int `json:"total_events"`
	EventTypes           int `json:"event_types"`
	SubscribedEventTypes int `json:"subscribed_event_types"`
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus 事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	history  *ring
	nextID   uint64

	logger  config.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option 事件总线配置项
type Option func(*Bus)

// WithHistoryCapacity 设置事件历史容量
func WithHistoryCapacity(capacity int) Option {
	return func(b *Bus) {
		if capacity > 0 {
			b.history = newRing(capacity)
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithClock 设置时钟，用于测试
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New 创建事件总线
func New(logger config.Logger, opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]subscription),
		history:  newRing(DefaultHistoryCapacity),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish 发布事件：写入历史，然后依次调用该类型的处理函数和通配符处理函数。
// 未设置ID和时间戳时自动生成，返回实际写入历史的事件。
// 历史和每个处理函数拿到的都是独立副本，修改它们不会影响已发布的事件。
func (b *Bus) Publish(event model.Event) model.Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}

	b.mu.Lock()
	b.history.push(event.Clone())
	typed := b.handlers[event.Type]
	var wildcard []subscription
	if event.Type != model.EventWildcard {
		wildcard = b.handlers[model.EventWildcard]
	}
	b.mu.Unlock()

	b.metrics.EventPublished(event.Type)

	errs := dispatch(event, typed)
	errs = append(errs, dispatch(event, wildcard)...)
	if len(errs) > 0 {
		for _, err := range errs {
			b.logger.Error("事件处理失败",
				zap.String("type", event.Type),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
		b.metrics.HandlerErrors(event.Type, len(errs))
	}

	return event
}

// dispatch 依次调用处理函数，收集每个处理函数的错误（包括panic），不中断后续调用
func dispatch(event model.Event, subs []subscription) []error {
	var errs []error
	for _, sub := range subs {
		if err := invoke(sub.handler, event.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func invoke(handler Handler, event model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = model.NewHandlerError("事件处理函数panic", fmt.Errorf("%v", r))
		}
	}()
	if herr := handler(event); herr != nil {
		return model.NewHandlerError("事件处理函数返回错误", herr)
	}
	return nil
}

// Subscribe 订阅指定类型（或通配符"*"）的事件，返回取消订阅函数。
// 同一个处理函数订阅两次会被调用两次；取消订阅只移除本次注册。
func (b *Bus) Subscribe(eventType string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	subs := b.handlers[eventType]
	// 写时复制，Publish持有的旧切片不受影响
	next := make([]subscription, len(subs), len(subs)+1)
	copy(next, subs)
	b.handlers[eventType] = append(next, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() { b.unsubscribe(eventType, id) }
}

func (b *Bus) unsubscribe(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[eventType]
	next := make([]subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.id != id {
			next = append(next, sub)
		}
	}
	if len(next) == 0 {
		delete(b.handlers, eventType)
		return
	}
	b.handlers[eventType] = next
}

// History 查询事件历史，按发布顺序从旧到新返回
func (b *Bus) History(filter Filter) []model.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.filter(filter)
}

// Stats 返回事件总线统计信息
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		TotalEvents:          b.history.size,
		EventTypes:           b.history.distinctTypes(),
		SubscribedEventTypes: len(b.handlers),
	}
}
