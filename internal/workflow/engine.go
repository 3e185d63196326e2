// Package workflow 顺序执行跨服务的HTTP调用，并把每一步的结果传递给下一步
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hewenyu/service-mesh/internal/config"
	"github.com/hewenyu/service-mesh/internal/invoke"
	"github.com/hewenyu/service-mesh/internal/metrics"
	"github.com/hewenyu/service-mesh/pkg/model"
	"go.uber.org/zap"
)

// DefaultStepTimeout 默认的单步超时，步骤背后可能是较慢的LLM服务
const DefaultStepTimeout = 30 * time.Second

// Caller 调用服务的能力
type Caller interface {
	Call(ctx context.Context, serviceID, endpoint string, req invoke.Request) (*invoke.Response, error)
}

// EventPublisher 发布事件的能力
type EventPublisher interface {
	Publish(event model.Event) model.Event
}

// StepError 工作流某一步执行失败
type StepError struct {
	Workflow string
	Index    int
	Service  string
	Endpoint string
	Err      error
}

// Error 实现error接口
func (e *StepError) Error() string {
	return fmt.Sprintf("工作流%s第%d步失败(服务: %s, 端点: %s): %v", e.Workflow, e.Index+1, e.Service, e.Endpoint, e.Err)
}

// Unwrap 返回底层错误
func (e *StepError) Unwrap() error {
	return e.Err
}

// Engine 工作流执行引擎
type Engine struct {
	caller      Caller
	stepTimeout time.Duration
	publisher   EventPublisher
	metrics     *metrics.Metrics
	logger      config.Logger
}

// Option 执行引擎配置项
type Option func(*Engine)

// WithStepTimeout 设置单步超时
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithPublisher 设置工作流事件的发布者
func WithPublisher(p EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine 创建执行引擎
func NewEngine(caller Caller, logger config.Logger, opts ...Option) *Engine {
	e := &Engine{
		caller:      caller,
		stepTimeout: DefaultStepTimeout,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate 检查工作流定义是否合法
func Validate(def model.WorkflowDefinition) error {
	if def.Name == "" {
		return model.NewInvalidArgumentError("工作流名称不能为空")
	}
	if len(def.Steps) == 0 {
		return model.NewInvalidArgumentError("工作流至少需要一个步骤: " + def.Name)
	}
	for i, step := range def.Steps {
		if step.Service == "" || step.Endpoint == "" {
			return model.NewInvalidArgumentError(fmt.Sprintf("工作流%s第%d步缺少服务或端点", def.Name, i+1))
		}
		if i == 0 && step.Input != nil {
			return model.NewInvalidArgumentError(fmt.Sprintf("工作流%s第1步没有上一步结果，不能使用input", def.Name))
		}
		for _, t := range []*model.Transform{step.Input, step.Transform} {
			if err := validateTransform(t); err != nil {
				return model.NewInvalidArgumentError(fmt.Sprintf("工作流%s第%d步: %v", def.Name, i+1, err))
			}
		}
	}
	return nil
}

// Execute 按顺序执行工作流，返回每一步的结果。
// 任意一步失败都会立即终止，返回已完成步骤的结果和StepError，不做回滚和重试。
func (e *Engine) Execute(ctx context.Context, def model.WorkflowDefinition) ([]any, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	e.logger.Info("开始执行工作流", zap.String("workflow", def.Name), zap.Int("steps", len(def.Steps)))
	e.publish(model.WorkflowStarted{Workflow: def.Name, Steps: len(def.Steps)})

	results := make([]any, 0, len(def.Steps))
	var previous any
	for i, step := range def.Steps {
		result, err := e.runStep(ctx, step, previous)
		if err != nil {
			stepErr := &StepError{
				Workflow: def.Name,
				Index:    i,
				Service:  step.Service,
				Endpoint: step.Endpoint,
				Err:      err,
			}
			e.logger.Error("工作流执行失败", zap.String("workflow", def.Name), zap.Int("step", i+1), zap.Error(err))
			e.publish(model.WorkflowFailed{
				Workflow: def.Name,
				Step:     i,
				Service:  step.Service,
				Endpoint: step.Endpoint,
				Error:    err.Error(),
			})
			e.metrics.WorkflowRun(def.Name, false)
			return results, stepErr
		}

		results = append(results, result)
		previous = result
		e.publish(model.WorkflowStepCompleted{
			Workflow: def.Name,
			Step:     i,
			Service:  step.Service,
			Endpoint: step.Endpoint,
		})
	}

	e.logger.Info("工作流执行完成", zap.String("workflow", def.Name))
	e.publish(model.WorkflowCompleted{Workflow: def.Name, Steps: len(def.Steps)})
	e.metrics.WorkflowRun(def.Name, true)
	return results, nil
}

func (e *Engine) runStep(ctx context.Context, step model.WorkflowStep, previous any) (any, error) {
	body, err := buildBody(step, previous)
	if err != nil {
		return nil, model.NewInvalidArgumentError(fmt.Sprintf("构造请求体失败: %v", err))
	}

	method := step.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	start := time.Now()
	resp, err := e.caller.Call(ctx, step.Service, step.Endpoint, invoke.Request{Method: method, Body: body})
	e.metrics.ObserveStep(step.Service, time.Since(start))
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, model.NewBadResponseError(fmt.Sprintf("服务返回状态码%d", resp.StatusCode), nil)
	}

	var result any
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &result); err != nil {
			return nil, model.NewBadResponseError("响应不是合法的JSON", err)
		}
	}

	if step.TransformFunc != nil {
		result, err = step.TransformFunc(result)
	} else {
		result, err = applyTransform(step.Transform, result)
	}
	if err != nil {
		return nil, model.NewBadResponseError("转换响应失败", err)
	}
	return result, nil
}

// buildBody 构造请求体，优先级：DataFunc > input转换 > 静态data
func buildBody(step model.WorkflowStep, previous any) (any, error) {
	switch {
	case step.DataFunc != nil:
		return step.DataFunc(previous)
	case step.Input != nil:
		return applyTransform(step.Input, previous)
	default:
		return step.Data, nil
	}
}

func (e *Engine) publish(data model.Payload) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(model.NewEvent(model.SourceMesh, data))
}
