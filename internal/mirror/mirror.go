// Package mirror 把注册表的变化镜像到etcd，供外部系统读取。
// 镜像是单向的，etcd中的数据不会回写到注册表。
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hewenyu/service-mesh/internal/config"
	"github.com/hewenyu/service-mesh/internal/eventbus"
	"github.com/hewenyu/service-mesh/pkg/model"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	// DefaultPrefix 默认的etcd键前缀
	DefaultPrefix = "/service-mesh/services/"
	// etcd操作的超时时间
	etcdTimeout = 5 * time.Second
	// 待写入操作的队列长度
	queueSize = 256
)

// RecordSource 镜像依赖的注册表能力
type RecordSource interface {
	Get(id string) (*model.ServiceRecord, error)
}

// op 一次待执行的etcd写操作，value为空表示删除
type op struct {
	key   string
	value string
}

// Mirror 注册表到etcd的镜像
type Mirror struct {
	kv     clientv3.KV
	prefix string
	source RecordSource
	logger config.Logger
	queue  chan op
}

// Connect 连接到etcd集群
func Connect(cfg *config.Config, logger config.Logger) (*clientv3.Client, error) {
	logger.Info("连接到etcd集群", zap.Strings("endpoints", cfg.Etcd.Endpoints))

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: cfg.Etcd.DialTimeout,
		Username:    cfg.Etcd.Username,
		Password:    cfg.Etcd.Password,
	})
	if err != nil {
		logger.Error("连接etcd失败", zap.Error(err))
		return nil, fmt.Errorf("连接etcd失败: %w", err)
	}
	return client, nil
}

// New 创建镜像，prefix为空时使用默认前缀
func New(kv clientv3.KV, prefix string, source RecordSource, logger config.Logger) *Mirror {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Mirror{
		kv:     kv,
		prefix: prefix,
		source: source,
		logger: logger,
		queue:  make(chan op, queueSize),
	}
}

// Key 返回服务记录在etcd中的键
func (m *Mirror) Key(id string) string {
	return m.prefix + id
}

// Attach 订阅注册表事件，返回取消订阅函数
func (m *Mirror) Attach(sub eventbus.Subscriber) func() {
	unsubs := []func(){
		sub.Subscribe(model.EventServiceRegistered, m.onEvent),
		sub.Subscribe(model.EventServiceUnregistered, m.onEvent),
		sub.Subscribe(model.EventServiceStatusChanged, m.onEvent),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// onEvent 把事件转换为写操作放入队列，队列满时丢弃并记录告警，不阻塞发布者
func (m *Mirror) onEvent(event model.Event) error {
	var next op
	switch data := event.Data.(type) {
	case model.ServiceRegistered:
		value, err := json.Marshal(data.ServiceRecord)
		if err != nil {
			return err
		}
		next = op{key: m.Key(data.ID), value: string(value)}
	case model.ServiceUnregistered:
		next = op{key: m.Key(data.ID)}
	case model.ServiceStatusChanged:
		record, err := m.source.Get(data.ID)
		if err != nil {
			// 状态变化后服务已被注销，由注销事件负责删除
			return nil
		}
		value, err := json.Marshal(record)
		if err != nil {
			return err
		}
		next = op{key: m.Key(data.ID), value: string(value)}
	default:
		return nil
	}

	select {
	case m.queue <- next:
	default:
		m.logger.Warn("etcd镜像队列已满，丢弃更新", zap.String("key", next.key))
	}
	return nil
}

// Run 按顺序执行队列中的写操作，直到ctx结束
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-m.queue:
			if err := m.apply(ctx, next); err != nil {
				m.logger.Error("写入etcd失败", zap.String("key", next.key), zap.Error(err))
			}
		}
	}
}

func (m *Mirror) apply(ctx context.Context, next op) error {
	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	if next.value == "" {
		if _, err := m.kv.Delete(ctx, next.key); err != nil {
			return fmt.Errorf("从etcd删除服务失败: %w", err)
		}
		m.logger.Debug("已从etcd删除服务", zap.String("key", next.key))
		return nil
	}

	if _, err := m.kv.Put(ctx, next.key, next.value); err != nil {
		return fmt.Errorf("写入服务到etcd失败: %w", err)
	}
	m.logger.Debug("已写入服务到etcd", zap.String("key", next.key))
	return nil
}

// Sync 用当前注册表快照覆盖etcd中的数据，并删除快照中不存在的服务
func (m *Mirror) Sync(ctx context.Context, records []*model.ServiceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, etcdTimeout)
	defer cancel()

	resp, err := m.kv.Get(ctx, m.prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return fmt.Errorf("从etcd获取服务列表失败: %w", err)
	}

	current := make(map[string]bool, len(records))
	for _, record := range records {
		value, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("序列化服务失败: %w", err)
		}
		key := m.Key(record.ID)
		current[key] = true
		if _, err := m.kv.Put(ctx, key, string(value)); err != nil {
			return fmt.Errorf("写入服务到etcd失败: %w", err)
		}
	}

	removed := 0
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		if current[key] {
			continue
		}
		if _, err := m.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("从etcd删除服务失败: %w", err)
		}
		removed++
	}

	m.logger.Info("etcd镜像已同步", zap.Int("services", len(records)), zap.Int("removed", removed))
	return nil
}
