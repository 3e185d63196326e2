package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// 已知的事件类型
const (
	EventServiceRegistered    = "service.registered"
	EventServiceUnregistered  = "service.unregistered"
	EventServiceStatusChanged = "service.status_changed"
	EventWorkflowStarted      = "workflow.started"
	EventWorkflowStepDone     = "workflow.step_completed"
	EventWorkflowCompleted    = "workflow.completed"
	EventWorkflowFailed       = "workflow.failed"

	// EventWildcard 订阅所有事件
	EventWildcard = "*"
)

// Priority 事件优先级
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// EventMetadata 事件的可选元数据
type EventMetadata struct {
	CorrelationID string   `json:"correlation_id,omitempty"` // 关联ID
	CausationID   string   `json:"causation_id,omitempty"`   // 因果ID
	Priority      Priority `json:"priority,omitempty"`       // 优先级
}

// Payload 事件负载，每种已知事件类型对应一个具体结构体
type Payload interface {
	EventType() string
}

// ServiceRegistered 服务注册事件负载，内容为完整的服务记录
type ServiceRegistered struct {
	ServiceRecord
}

// EventType 实现Payload接口
func (ServiceRegistered) EventType() string { return EventServiceRegistered }

// ServiceUnregistered 服务注销事件负载
type ServiceUnregistered struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EventType 实现Payload接口
func (ServiceUnregistered) EventType() string { return EventServiceUnregistered }

// ServiceStatusChanged 服务状态变化事件负载
type ServiceStatusChanged struct {
	ID       string        `json:"id"`
	Previous ServiceStatus `json:"previous"`
	Current  ServiceStatus `json:"current"`
	LastSeen time.Time     `json:"last_seen"`
}

// EventType 实现Payload接口
func (ServiceStatusChanged) EventType() string { return EventServiceStatusChanged }

// WorkflowStarted 工作流开始执行
type WorkflowStarted struct {
	Workflow string `json:"workflow"`
	Steps    int    `json:"steps"`
}

// EventType 实现Payload接口
func (WorkflowStarted) EventType() string { return EventWorkflowStarted }

// WorkflowStepCompleted 工作流单个步骤执行完成
type WorkflowStepCompleted struct {
	Workflow string `json:"workflow"`
	Step     int    `json:"step"`
	Service  string `json:"service"`
	Endpoint string `json:"endpoint"`
}

// EventType 实现Payload接口
func (WorkflowStepCompleted) EventType() string { return EventWorkflowStepDone }

// WorkflowCompleted 工作流执行完成
type WorkflowCompleted struct {
	Workflow string `json:"workflow"`
	Steps    int    `json:"steps"`
}

// EventType 实现Payload接口
func (WorkflowCompleted) EventType() string { return EventWorkflowCompleted }

// WorkflowFailed 工作流执行失败
type WorkflowFailed struct {
	Workflow string `json:"workflow"`
	Step     int    `json:"step"`
	Service  string `json:"service"`
	Endpoint string `json:"endpoint"`
	Error    string `json:"error"`
}

// EventType 实现Payload接口
func (WorkflowFailed) EventType() string { return EventWorkflowFailed }

// RawPayload 未知事件类型的原始JSON负载
type RawPayload json.RawMessage

// EventType 实现Payload接口，原始负载本身不携带类型
func (RawPayload) EventType() string { return "" }

// MarshalJSON 原样输出
func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// Event 表示事件总线上的一个事件，发布后不可修改
type Event struct {
	ID        string         `json:"id"`                 // 事件ID，发布时生成
	Type      string         `json:"type"`               // 点分命名的事件类型
	Source    string         `json:"source"`             // 发布者ID
	Timestamp time.Time      `json:"timestamp"`          // 创建时间
	Data      Payload        `json:"data"`               // 事件负载
	Metadata  *EventMetadata `json:"metadata,omitempty"` // 可选元数据
}

// NewEvent 根据负载创建事件，类型取自负载
func NewEvent(source string, data Payload) Event {
	return Event{
		Type:   data.EventType(),
		Source: source,
		Data:   data,
	}
}

// Clone 深拷贝事件，负载中的切片和元数据都不与原事件共享
func (e Event) Clone() Event {
	c := e
	if e.Metadata != nil {
		md := *e.Metadata
		c.Metadata = &md
	}
	c.Data = clonePayload(e.Data)
	return c
}

// clonePayload 复制带有切片的负载，其余负载都是值类型，直接返回
func clonePayload(p Payload) Payload {
	switch v := p.(type) {
	case ServiceRegistered:
		return ServiceRegistered{ServiceRecord: *v.ServiceRecord.Clone()}
	case *ServiceRegistered:
		if v == nil {
			return v
		}
		return &ServiceRegistered{ServiceRecord: *v.ServiceRecord.Clone()}
	case RawPayload:
		if v == nil {
			return v
		}
		return RawPayload(slices.Clone(v))
	}
	return p
}

// UnmarshalJSON 根据事件类型将负载解析为对应的结构体
func (e *Event) UnmarshalJSON(b []byte) error {
	type eventAlias Event
	var raw struct {
		eventAlias
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	*e = Event(raw.eventAlias)
	data, err := decodePayload(raw.Type, raw.Data)
	if err != nil {
		return fmt.Errorf("解析事件负载失败(%s): %w", raw.Type, err)
	}
	e.Data = data
	return nil
}

// decodePayload 按类型解析负载
func decodePayload(eventType string, data json.RawMessage) (Payload, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var p Payload
	switch eventType {
	case EventServiceRegistered:
		v := ServiceRegistered{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		p = v
	case EventServiceUnregistered:
		v := ServiceUnregistered{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		p = v
	case EventServiceStatusChanged:
		v := ServiceStatusChanged{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		p = v
	case EventWorkflowStarted:
		v := WorkflowStarted{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		p = v
	case EventWorkflowStepDone:
		v := WorkflowStepCompleted{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		p = v
	case EventWorkflowCompleted:
		v := WorkflowCompleted{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		p = v
	case EventWorkflowFailed:
		v := WorkflowFailed{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		p = RawPayload(append([]byte(nil), data...))
	}
	return p, nil
}
