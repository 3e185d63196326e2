package model

import (
	"slices"
	"time"
)

// ServiceStatus 表示服务状态
type ServiceStatus string

const (
	// StatusOnline 在线
	StatusOnline ServiceStatus = "online"
	// StatusDegraded 降级，保留状态，目前没有任何逻辑会自动设置它
	StatusDegraded ServiceStatus = "degraded"
	// StatusOffline 离线
	StatusOffline ServiceStatus = "offline"
)

// Valid 判断状态值是否合法，空值视为合法（按离线处理）
func (s ServiceStatus) Valid() bool {
	switch s {
	case "", StatusOnline, StatusDegraded, StatusOffline:
		return true
	}
	return false
}

// Effective 返回实际生效的状态，从未设置过的状态按离线处理
func (s ServiceStatus) Effective() ServiceStatus {
	if s == "" {
		return StatusOffline
	}
	return s
}

// SourceMesh 服务网格自身发布事件时使用的来源标识
const SourceMesh = "service-mesh"

// ServiceRecord 表示一个已注册的服务实例
type ServiceRecord struct {
	ID           string        `json:"id" mapstructure:"id"`                     // 服务唯一ID，由注册方指定
	Name         string        `json:"name" mapstructure:"name"`                 // 服务名称
	BaseURL      string        `json:"base_url" mapstructure:"base_url"`         // 服务地址，用于对外调用
	Capabilities []string      `json:"capabilities" mapstructure:"capabilities"` // 能力标签
	Dependencies []string      `json:"dependencies" mapstructure:"dependencies"` // 依赖的其他服务ID，仅供参考
	Status       ServiceStatus `json:"status" mapstructure:"status"`             // 服务状态
	LastSeen     time.Time     `json:"last_seen" mapstructure:"-"`               // 最近一次注册或健康检查成功的时间
}

// Clone 深拷贝服务记录
func (s *ServiceRecord) Clone() *ServiceRecord {
	if s == nil {
		return nil
	}
	c := *s
	c.Capabilities = slices.Clone(s.Capabilities)
	c.Dependencies = slices.Clone(s.Dependencies)
	return &c
}

// ProbeTicket 健康探测开始时从注册表领取的凭据，写回结果时用来判断探测是否已经过期
type ProbeTicket struct {
	ID         string // 服务ID
	BaseURL    string // 探测开始时的服务地址
	Generation uint64 // 注册代数，服务每次注册都会变化
	Seq        uint64 // 探测序号，越晚开始的探测越大
}

// HasCapability 判断服务是否具备指定能力
func (s *ServiceRecord) HasCapability(tag string) bool {
	return slices.Contains(s.Capabilities, tag)
}
