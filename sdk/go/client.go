// Package sdk 服务网格的Go客户端，供服务注册自身、发布事件和执行工作流
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config SDK客户端配置
type Config struct {
	// 服务网格地址，例如 localhost:8080
	ServerAddr string `json:"server_addr"`
	// 服务ID，注册表中的唯一标识，也是发布事件时的来源；只做查询时可以为空
	ServiceID string `json:"service_id"`
	// 服务名称，默认与ID相同
	ServiceName string `json:"service_name"`
	// 服务自身的访问地址，网格通过它调用服务和做健康检查
	BaseURL string `json:"base_url"`
	// 能力标签
	Capabilities []string `json:"capabilities"`
	// 依赖的其他服务
	Dependencies []string `json:"dependencies"`
	// 心跳间隔，心跳即重新注册
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// 操作超时时间
	Timeout time.Duration `json:"timeout"`
	// 网络错误时的重试次数
	RetryCount int `json:"retry_count"`
	// 是否使用HTTPS
	Secure bool `json:"secure"`
	// 日志，默认不输出
	Logger *zap.Logger `json:"-"`
}

// Client SDK客户端
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger

	mu           sync.Mutex
	isRegistered bool
	stopChan     chan struct{}
	stopped      chan struct{}
}

// APIError 服务网格返回的非2xx响应
type APIError struct {
	StatusCode int
	Message    string
}

// Error 实现error接口
func (e *APIError) Error() string {
	return fmt.Sprintf("API请求失败: %s (状态码: %d)", e.Message, e.StatusCode)
}

// IsNotFound 判断错误是否为404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// envelope 所有响应共有的字段
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// NewClient 创建SDK客户端
func NewClient(config *Config) (*Client, error) {
	// 验证必填配置
	if config.ServerAddr == "" {
		return nil, fmt.Errorf("服务器地址不能为空")
	}

	// 设置默认值
	if config.ServiceName == "" {
		config.ServiceName = config.ServiceID
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}, nil
}

// 构建API地址
func (c *Client) buildURL(path string) string {
	addr := strings.TrimSuffix(c.config.ServerAddr, "/")
	if strings.Contains(addr, "://") {
		return addr + path
	}
	protocol := "http"
	if c.config.Secure {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s%s", protocol, addr, path)
}

// doRequest 发送HTTP请求并把响应体解析到out，非2xx响应返回APIError，
// 此时out仍会被填充，以便调用方读取部分结果
func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; attempt <= c.config.RetryCount; attempt++ {
		resp, err = c.send(ctx, method, path, bodyBytes)
		if err == nil || ctx.Err() != nil {
			break
		}
		c.logger.Debug("请求失败，准备重试", zap.String("path", path), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	if err != nil {
		return fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	// 读取响应体
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应体失败: %w", err)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("解析响应失败: %w, 响应内容: %s", err, string(respBody))
		}
	}

	// 检查HTTP状态码
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env envelope
		_ = json.Unmarshal(respBody, &env)
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	// 创建请求
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.httpClient.Do(req)
}
