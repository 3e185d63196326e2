package apihandler

import (
	"github.com/hewenyu/service-mesh/internal/invoke"
	"github.com/hewenyu/service-mesh/internal/mesh"
	"github.com/hewenyu/service-mesh/pkg/model"
)

// SourceAPI 通过HTTP发布且未指定来源的事件使用的来源标识
const SourceAPI = "api"

// ServiceResponse 单个服务的响应
type ServiceResponse struct {
	Success   bool                 `json:"success"`
	Service   *model.ServiceRecord `json:"service,omitempty"`
	Message   string               `json:"message,omitempty"`
	Timestamp string               `json:"timestamp"`
}

// ServiceListResponse 服务列表响应
type ServiceListResponse struct {
	Success   bool                   `json:"success"`
	Services  []*model.ServiceRecord `json:"services"`
	Count     int                    `json:"count"`
	Message   string                 `json:"message,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

// DeregisterResponse 服务注销响应
type DeregisterResponse struct {
	Success   bool   `json:"success"`
	ID        string `json:"id"`
	Removed   bool   `json:"removed"` // 服务此前是否存在
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// CheckResponse 单个服务的健康检查响应
type CheckResponse struct {
	Success   bool                `json:"success"`
	ID        string              `json:"id"`
	Healthy   bool                `json:"healthy"`
	Status    model.ServiceStatus `json:"status"`
	Message   string              `json:"message,omitempty"`
	Timestamp string              `json:"timestamp"`
}

// CheckAllResponse 全量健康检查响应
type CheckAllResponse struct {
	Success   bool            `json:"success"`
	Results   map[string]bool `json:"results"`
	Healthy   int             `json:"healthy"`
	Total     int             `json:"total"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// EventResponse 事件发布响应
type EventResponse struct {
	Success   bool         `json:"success"`
	Event     *model.Event `json:"event,omitempty"`
	Message   string       `json:"message,omitempty"`
	Timestamp string       `json:"timestamp"`
}

// EventListResponse 事件历史响应
type EventListResponse struct {
	Success   bool          `json:"success"`
	Events    []model.Event `json:"events"`
	Count     int           `json:"count"`
	Message   string        `json:"message,omitempty"`
	Timestamp string        `json:"timestamp"`
}

// WorkflowResponse 工作流执行响应，失败时results为已完成步骤的结果
type WorkflowResponse struct {
	Success    bool   `json:"success"`
	Workflow   string `json:"workflow"`
	Results    []any  `json:"results"`
	FailedStep *int   `json:"failed_step,omitempty"` // 从0开始的失败步骤序号
	Message    string `json:"message,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// WorkflowListResponse 工作流列表响应
type WorkflowListResponse struct {
	Success   bool     `json:"success"`
	Workflows []string `json:"workflows"`
	Message   string   `json:"message,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// BroadcastRequest 广播请求
type BroadcastRequest struct {
	Endpoint string `json:"endpoint" validate:"required"`
	Method   string `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE get post put patch delete"`
	Data     any    `json:"data"`
}

// BroadcastResponse 广播响应，只包含调用成功的服务
type BroadcastResponse struct {
	Success   bool                        `json:"success"`
	Results   map[string]*invoke.Response `json:"results"`
	Message   string                      `json:"message,omitempty"`
	Timestamp string                      `json:"timestamp"`
}

// StatsResponse 统计信息响应
type StatsResponse struct {
	Success   bool       `json:"success"`
	Stats     mesh.Stats `json:"stats"`
	Timestamp string     `json:"timestamp"`
}

// ErrorResponse 通用错误响应
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}
