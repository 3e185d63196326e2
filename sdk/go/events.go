package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hewenyu/service-mesh/pkg/model"
)

type eventResponse struct {
	envelope
	Event *model.Event `json:"event"`
}

type workflowResponse struct {
	envelope
	Results    []any `json:"results"`
	FailedStep *int  `json:"failed_step"`
}

// WorkflowError 工作流执行失败，Results为已完成步骤的结果
type WorkflowError struct {
	*APIError
	Step    int
	Results []any
}

// Unwrap 返回底层的APIError
func (e *WorkflowError) Unwrap() error {
	return e.APIError
}

// publishRequest 发布事件的请求体，data原样透传
type publishRequest struct {
	Type     string               `json:"type"`
	Source   string               `json:"source"`
	Data     any                  `json:"data,omitempty"`
	Metadata *model.EventMetadata `json:"metadata,omitempty"`
}

// Publish 以当前服务的身份发布事件，返回网格生成的完整事件
func (c *Client) Publish(ctx context.Context, eventType string, data any, metadata *model.EventMetadata) (*model.Event, error) {
	req := publishRequest{
		Type:     eventType,
		Source:   c.config.ServiceID,
		Data:     data,
		Metadata: metadata,
	}
	var resp eventResponse
	if err := c.doRequest(ctx, http.MethodPost, "/events", req, &resp); err != nil {
		return nil, fmt.Errorf("发布事件失败: %w", err)
	}
	return resp.Event, nil
}

// TriggerWorkflow 发布workflow.<name>事件，由网格异步执行同名工作流
func (c *Client) TriggerWorkflow(ctx context.Context, name string) (*model.Event, error) {
	return c.Publish(ctx, "workflow."+name, json.RawMessage(`{}`), nil)
}

// Events 查询事件历史，eventType为空时不过滤
func (c *Client) Events(ctx context.Context, eventType string) ([]model.Event, error) {
	path := "/events"
	if eventType != "" {
		path += "?type=" + url.QueryEscape(eventType)
	}
	var resp struct {
		envelope
		Events []model.Event `json:"events"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// ExecuteWorkflow 执行临时定义的工作流。只有声明式转换会被发送，函数形式的转换会被忽略
func (c *Client) ExecuteWorkflow(ctx context.Context, def model.WorkflowDefinition) ([]any, error) {
	return c.runWorkflow(ctx, "/workflows/execute", def)
}

// RunWorkflow 执行网格中预定义的工作流
func (c *Client) RunWorkflow(ctx context.Context, name string) ([]any, error) {
	return c.runWorkflow(ctx, "/workflows/"+url.PathEscape(name)+"/run", nil)
}

func (c *Client) runWorkflow(ctx context.Context, path string, body any) ([]any, error) {
	var resp workflowResponse
	err := c.doRequest(ctx, http.MethodPost, path, body, &resp)
	if err == nil {
		return resp.Results, nil
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || resp.FailedStep == nil {
		return resp.Results, err
	}
	return resp.Results, &WorkflowError{APIError: apiErr, Step: *resp.FailedStep, Results: resp.Results}
}
