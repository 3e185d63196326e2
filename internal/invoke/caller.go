// Package invoke 向已注册服务发起HTTP调用
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hewenyu/service-mesh/internal/config"
	"github.com/hewenyu/service-mesh/pkg/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout 默认的单次调用超时
const DefaultTimeout = 30 * time.Second

// ServiceLookup 调用方依赖的注册表能力
type ServiceLookup interface {
	Get(id string) (*model.ServiceRecord, error)
	ListAll() []*model.ServiceRecord
}

// Request 调用请求
type Request struct {
	Method string // HTTP方法，默认GET
	Body   any    // 请求体，非nil时编码为JSON
}

// Response 调用响应
type Response struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// OK 判断状态码是否为2xx
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Caller 服务调用方
type Caller struct {
	services ServiceLookup
	client   *http.Client
	timeout  time.Duration
	logger   config.Logger
}

// Option 调用方配置项
type Option func(*Caller)

// WithHTTPClient 设置HTTP客户端
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Caller) { cl.client = c }
}

// WithTimeout 设置单次调用超时
func WithTimeout(d time.Duration) Option {
	return func(cl *Caller) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// NewCaller 创建调用方
func NewCaller(services ServiceLookup, logger config.Logger, opts ...Option) *Caller {
	c := &Caller{
		services: services,
		client:   &http.Client{},
		timeout:  DefaultTimeout,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call 调用服务的指定端点。服务未注册返回NotFound，网络错误或超时返回Unreachable。
// 非2xx响应不视为错误，由调用方根据StatusCode判断。
func (c *Caller) Call(ctx context.Context, serviceID, endpoint string, req Request) (*Response, error) {
	record, err := c.services.Get(serviceID)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, record, endpoint, req)
}

// Broadcast 调用所有在线服务的同一端点，失败的服务被跳过
func (c *Caller) Broadcast(ctx context.Context, endpoint string, req Request) map[string]*Response {
	var targets []*model.ServiceRecord
	for _, record := range c.services.ListAll() {
		if record.Status.Effective() == model.StatusOnline {
			targets = append(targets, record)
		}
	}

	results := make(map[string]*Response, len(targets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, record := range targets {
		g.Go(func() error {
			resp, err := c.do(gctx, record, endpoint, req)
			if err != nil {
				c.logger.Warn("广播调用失败", zap.String("service", record.ID), zap.Error(err))
				return nil
			}
			mu.Lock()
			results[record.ID] = resp
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (c *Caller) do(ctx context.Context, record *model.ServiceRecord, endpoint string, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, model.NewInvalidArgumentError(fmt.Sprintf("编码请求体失败: %v", err))
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := record.BaseURL + "/" + strings.TrimLeft(endpoint, "/")
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, model.NewInvalidArgumentError(fmt.Sprintf("创建请求失败: %v", err))
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, model.NewUnreachableError("服务不可达: "+record.ID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewUnreachableError("读取响应失败: "+record.ID, err)
	}

	c.logger.Debug("服务调用完成",
		zap.String("service", record.ID),
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode))

	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}
