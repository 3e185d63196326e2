package sdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hewenyu/service-mesh/pkg/model"
)

type serviceResponse struct {
	envelope
	Service *model.ServiceRecord `json:"service"`
}

type serviceListResponse struct {
	envelope
	Services []*model.ServiceRecord `json:"services"`
}

// record 根据配置生成服务记录
func (c *Client) record() model.ServiceRecord {
	return model.ServiceRecord{
		ID:           c.config.ServiceID,
		Name:         c.config.ServiceName,
		BaseURL:      c.config.BaseURL,
		Capabilities: c.config.Capabilities,
		Dependencies: c.config.Dependencies,
	}
}

// Register 注册服务，重复注册会覆盖之前的记录并刷新在线状态
func (c *Client) Register(ctx context.Context) (*model.ServiceRecord, error) {
	if c.config.ServiceID == "" || c.config.BaseURL == "" {
		return nil, fmt.Errorf("注册服务需要配置服务ID和服务地址")
	}
	var resp serviceResponse
	if err := c.doRequest(ctx, http.MethodPost, "/services", c.record(), &resp); err != nil {
		return nil, fmt.Errorf("服务注册失败: %w", err)
	}

	c.mu.Lock()
	c.isRegistered = true
	c.mu.Unlock()
	return resp.Service, nil
}

// Deregister 注销服务
func (c *Client) Deregister(ctx context.Context) error {
	path := "/services/" + url.PathEscape(c.config.ServiceID)
	if err := c.doRequest(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("服务注销失败: %w", err)
	}

	c.mu.Lock()
	c.isRegistered = false
	c.mu.Unlock()
	return nil
}

// GetService 查询单个服务，不存在时返回的错误满足IsNotFound
func (c *Client) GetService(ctx context.Context, id string) (*model.ServiceRecord, error) {
	var resp serviceResponse
	if err := c.doRequest(ctx, http.MethodGet, "/services/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Service, nil
}

// ListServices 列出服务，capability不为空时只返回具备该能力的服务
func (c *Client) ListServices(ctx context.Context, capability string) ([]*model.ServiceRecord, error) {
	path := "/services"
	if capability != "" {
		path += "?capability=" + url.QueryEscape(capability)
	}
	var resp serviceListResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Services, nil
}

// GetServiceID 获取服务ID
func (c *Client) GetServiceID() string {
	return c.config.ServiceID
}

// IsRegistered 检查服务是否已注册
func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRegistered
}
