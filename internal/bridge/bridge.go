// Package bridge 把事件总线桥接到NATS：总线上的每个事件转发到
// <prefix>.events.<type>，发布到<prefix>.publish的事件写入总线。
package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hewenyu/service-mesh/internal/config"
	"github.com/hewenyu/service-mesh/internal/eventbus"
	"github.com/hewenyu/service-mesh/pkg/model"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SourceNATS 从NATS写入且未指定来源的事件使用的来源标识
const SourceNATS = "nats"

// Bus 桥接依赖的事件总线能力
type Bus interface {
	eventbus.Subscriber
	Publish(event model.Event) model.Event
}

// Connect 连接NATS，断线后无限重连
func Connect(url, name string, logger config.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS连接断开", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS已重连", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("连接NATS失败(%s): %w", url, err)
	}
	logger.Info("已连接NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// Bridge 事件总线与NATS之间的桥
type Bridge struct {
	conn   *nats.Conn
	prefix string
	bus    Bus
	logger config.Logger

	mu          sync.Mutex
	unsubscribe func()
	inbound     *nats.Subscription
}

// New 创建桥接，prefix为空时使用"mesh"
func New(conn *nats.Conn, prefix string, bus Bus, logger config.Logger) *Bridge {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "mesh"
	}
	return &Bridge{conn: conn, prefix: prefix, bus: bus, logger: logger}
}

// EventSubject 返回事件类型对应的NATS主题
func (b *Bridge) EventSubject(eventType string) string {
	return b.prefix + ".events." + eventType
}

// PublishSubject 返回写入事件总线的NATS主题
func (b *Bridge) PublishSubject() string {
	return b.prefix + ".publish"
}

// Start 开始双向转发
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inbound != nil {
		return nil
	}

	sub, err := b.conn.Subscribe(b.PublishSubject(), b.ingest)
	if err != nil {
		return fmt.Errorf("订阅%s失败: %w", b.PublishSubject(), err)
	}
	// 确保订阅在服务器上生效后再返回
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("刷新NATS订阅失败: %w", err)
	}

	b.inbound = sub
	b.unsubscribe = b.bus.Subscribe(model.EventWildcard, b.forward)
	b.logger.Info("NATS事件桥接已启动",
		zap.String("outbound", b.EventSubject(">")),
		zap.String("inbound", b.PublishSubject()))
	return nil
}

// Stop 停止转发，不关闭NATS连接
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
	if b.inbound != nil {
		_ = b.inbound.Unsubscribe()
		b.inbound = nil
	}
}

// forward 把总线事件发布到NATS
func (b *Bridge) forward(event model.Event) error {
	if !validSubjectToken(event.Type) {
		b.logger.Debug("事件类型不能用作NATS主题，跳过转发", zap.String("type", event.Type))
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := b.conn.Publish(b.EventSubject(event.Type), data); err != nil {
		return fmt.Errorf("发布事件到NATS失败: %w", err)
	}
	return nil
}

// ingest 把NATS消息解析为事件并发布到总线
func (b *Bridge) ingest(msg *nats.Msg) {
	var event model.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		b.logger.Warn("无法解析NATS事件", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if event.Type == "" || event.Type == model.EventWildcard {
		b.logger.Warn("NATS事件缺少有效类型", zap.String("subject", msg.Subject))
		return
	}
	if event.Source == "" {
		event.Source = SourceNATS
	}
	published := b.bus.Publish(event)
	b.logger.Debug("已从NATS写入事件", zap.String("type", published.Type), zap.String("id", published.ID))
}

// validSubjectToken 判断事件类型能否作为主题的一部分
func validSubjectToken(eventType string) bool {
	if eventType == "" || strings.ContainsAny(eventType, "*> \t\r\n") {
		return false
	}
	for _, token := range strings.Split(eventType, ".") {
		if token == "" {
			return false
		}
	}
	return true
}
