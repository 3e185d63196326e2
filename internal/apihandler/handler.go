// Package apihandler 基于echo提供服务网格的HTTP API
package apihandler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hewenyu/service-mesh/internal/config"
	"github.com/hewenyu/service-mesh/internal/eventbus"
	"github.com/hewenyu/service-mesh/internal/invoke"
	"github.com/hewenyu/service-mesh/internal/mesh"
	"github.com/hewenyu/service-mesh/internal/workflow"
	"github.com/hewenyu/service-mesh/pkg/model"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Handler 定义API处理器接口
type Handler interface {
	// Start 启动API服务（非阻塞）
	Start() error

	// Shutdown 优雅关闭API服务
	Shutdown(ctx context.Context) error
}

// EchoHandler 实现Handler接口
type EchoHandler struct {
	server *echo.Echo
	cfg    *config.Config
	logger config.Logger
	mesh   *mesh.Mesh
}

// NewAPIHandler 创建API处理器并注册全部路由
func NewAPIHandler(cfg *config.Config, logger config.Logger, m *mesh.Mesh) *EchoHandler {
	h := &EchoHandler{
		server: echo.New(),
		cfg:    cfg,
		logger: logger,
		mesh:   m,
	}
	h.server.HideBanner = true
	h.server.HidePort = true
	h.server.Validator = NewValidator()

	// 添加中间件
	h.server.Use(middleware.Recover())
	h.server.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			h.logger.Debug("HTTP请求",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	// 添加CORS中间件
	h.server.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	h.registerRoutes()
	return h
}

// ServeHTTP 实现http.Handler接口
func (h *EchoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.server.ServeHTTP(w, r)
}

// Start 启动API服务
func (h *EchoHandler) Start() error {
	addr := fmt.Sprintf("%s:%d", h.cfg.Server.ListenAddress, h.cfg.Server.Port)
	h.logger.Info("启动API服务", zap.String("address", addr))

	// 启动服务（非阻塞）
	go func() {
		if err := h.server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("API服务启动失败", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown 优雅关闭API服务
func (h *EchoHandler) Shutdown(ctx context.Context) error {
	h.logger.Info("正在关闭API服务...")
	if err := h.server.Shutdown(ctx); err != nil {
		h.logger.Error("关闭API服务出错", zap.Error(err))
		return err
	}
	return nil
}

// registerRoutes 注册API路由
func (h *EchoHandler) registerRoutes() {
	h.server.GET("/health", h.handleHealth)
	h.server.GET("/stats", h.handleStats)
	h.server.GET("/metrics", echo.WrapHandler(h.mesh.Metrics.Handler()))

	// 服务注册与发现
	h.server.POST("/services", h.handleRegister)
	h.server.GET("/services", h.handleListServices)
	h.server.POST("/services/check", h.handleCheckAll)
	h.server.GET("/services/:id", h.handleGetService)
	h.server.DELETE("/services/:id", h.handleDeregister)
	h.server.POST("/services/:id/check", h.handleCheck)
	h.server.PUT("/services/:id/heartbeat", h.handleHeartbeat)

	// 事件
	h.server.POST("/events", h.handlePublishEvent)
	h.server.GET("/events", h.handleEventHistory)

	// 工作流
	h.server.GET("/workflows", h.handleListWorkflows)
	h.server.POST("/workflows/execute", h.handleExecuteWorkflow)
	h.server.POST("/workflows/:name/run", h.handleRunWorkflow)

	h.server.POST("/broadcast", h.handleBroadcast)
}

func now() string {
	return time.Now().Format(time.RFC3339)
}

// errorStatus 把服务网格错误映射为HTTP状态码
func errorStatus(err error) int {
	switch model.CodeOf(err) {
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrInvalidArgument:
		return http.StatusBadRequest
	case model.ErrUnreachable, model.ErrBadResponse:
		return http.StatusBadGateway
	}
	var stepErr *workflow.StepError
	if errors.As(err, &stepErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func errorJSON(c echo.Context, status int, message string) error {
	return c.JSON(status, ErrorResponse{
		Success:   false,
		Message:   message,
		Timestamp: now(),
	})
}

func (h *EchoHandler) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": now(),
		"service":   "service-mesh",
	})
}

func (h *EchoHandler) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, StatsResponse{
		Success:   true,
		Stats:     h.mesh.Stats(),
		Timestamp: now(),
	})
}

// handleRegister 注册服务，请求中的状态字段会被忽略
func (h *EchoHandler) handleRegister(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		h.logger.Error("解析服务注册请求失败", zap.Error(err))
		return errorJSON(c, http.StatusBadRequest, "无效的请求格式")
	}
	if err := c.Validate(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "参数验证失败: "+err.Error())
	}

	registered, err := h.mesh.Registry.Register(req.record())
	if err != nil {
		return errorJSON(c, errorStatus(err), err.Error())
	}

	h.logger.Info("服务注册成功", zap.String("id", registered.ID), zap.String("base_url", registered.BaseURL))
	return c.JSON(http.StatusCreated, ServiceResponse{
		Success:   true,
		Service:   registered,
		Message:   "服务注册成功",
		Timestamp: now(),
	})
}

func (h *EchoHandler) handleListServices(c echo.Context) error {
	var services []*model.ServiceRecord
	if capability := c.QueryParam("capability"); capability != "" {
		services = h.mesh.Registry.ListByCapability(capability)
	} else {
		services = h.mesh.Registry.ListAll()
	}
	return c.JSON(http.StatusOK, ServiceListResponse{
		Success:   true,
		Services:  services,
		Count:     len(services),
		Timestamp: now(),
	})
}

func (h *EchoHandler) handleGetService(c echo.Context) error {
	record, err := h.mesh.Registry.Get(c.Param("id"))
	if err != nil {
		return errorJSON(c, errorStatus(err), err.Error())
	}
	return c.JSON(http.StatusOK, ServiceResponse{
		Success:   true,
		Service:   record,
		Timestamp: now(),
	})
}

// handleDeregister 注销服务，服务不存在时同样返回成功
func (h *EchoHandler) handleDeregister(c echo.Context) error {
	id := c.Param("id")
	removed := h.mesh.Registry.Unregister(id)

	message := "服务注销成功"
	if !removed {
		message = "服务不存在，无需注销"
	}
	return c.JSON(http.StatusOK, DeregisterResponse{
		Success:   true,
		ID:        id,
		Removed:   removed,
		Message:   message,
		Timestamp: now(),
	})
}

// handleHeartbeat 刷新服务的最近可见时间，服务不存在时返回404，客户端应重新注册
func (h *EchoHandler) handleHeartbeat(c echo.Context) error {
	record, err := h.mesh.Registry.Heartbeat(c.Param("id"))
	if err != nil {
		return errorJSON(c, errorStatus(err), err.Error())
	}
	return c.JSON(http.StatusOK, ServiceResponse{
		Success:   true,
		Service:   record,
		Message:   "心跳已接收",
		Timestamp: now(),
	})
}

func (h *EchoHandler) handleCheck(c echo.Context) error {
	id := c.Param("id")
	if _, err := h.mesh.Registry.Get(id); err != nil {
		return errorJSON(c, errorStatus(err), err.Error())
	}

	healthy := h.mesh.Monitor.Check(c.Request().Context(), id)
	resp := CheckResponse{
		Success:   true,
		ID:        id,
		Healthy:   healthy,
		Status:    model.StatusOffline,
		Timestamp: now(),
	}
	// 检查期间服务可能已被注销
	if record, err := h.mesh.Registry.Get(id); err == nil {
		resp.Status = record.Status.Effective()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *EchoHandler) handleCheckAll(c echo.Context) error {
	results := h.mesh.Monitor.CheckAll(c.Request().Context())
	healthy := 0
	for _, ok := range results {
		if ok {
			healthy++
		}
	}
	return c.JSON(http.StatusOK, CheckAllResponse{
		Success:   true,
		Results:   results,
		Healthy:   healthy,
		Total:     len(results),
		Timestamp: now(),
	})
}

func (h *EchoHandler) handlePublishEvent(c echo.Context) error {
	var event model.Event
	if err := c.Bind(&event); err != nil {
		h.logger.Error("解析事件失败", zap.Error(err))
		return errorJSON(c, http.StatusBadRequest, "无效的事件格式")
	}
	event.Type = strings.TrimSpace(event.Type)
	if event.Type == "" || event.Type == model.EventWildcard {
		return errorJSON(c, http.StatusBadRequest, "事件类型不能为空或为通配符")
	}
	if event.Source == "" {
		event.Source = SourceAPI
	}

	published := h.mesh.Bus.Publish(event)
	return c.JSON(http.StatusCreated, EventResponse{
		Success:   true,
		Event:     &published,
		Message:   "事件已发布",
		Timestamp: now(),
	})
}

func (h *EchoHandler) handleEventHistory(c echo.Context) error {
	filter := eventbus.Filter{
		Type:   c.QueryParam("type"),
		Source: c.QueryParam("source"),
	}
	if since := c.QueryParam("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, "since必须是RFC3339格式的时间")
		}
		filter.Since = t
	}

	events := h.mesh.Bus.History(filter)
	return c.JSON(http.StatusOK, EventListResponse{
		Success:   true,
		Events:    events,
		Count:     len(events),
		Timestamp: now(),
	})
}

func (h *EchoHandler) handleListWorkflows(c echo.Context) error {
	return c.JSON(http.StatusOK, WorkflowListResponse{
		Success:   true,
		Workflows: h.mesh.Catalog.Names(),
		Timestamp: now(),
	})
}

func (h *EchoHandler) handleExecuteWorkflow(c echo.Context) error {
	var def model.WorkflowDefinition
	if err := c.Bind(&def); err != nil {
		h.logger.Error("解析工作流定义失败", zap.Error(err))
		return errorJSON(c, http.StatusBadRequest, "无效的工作流定义")
	}
	// 客户端断开不中断已经开始的工作流
	ctx := context.WithoutCancel(c.Request().Context())
	results, err := h.mesh.Engine.Execute(ctx, def)
	return h.workflowJSON(c, def.Name, results, err)
}

func (h *EchoHandler) handleRunWorkflow(c echo.Context) error {
	name := c.Param("name")
	ctx := context.WithoutCancel(c.Request().Context())
	results, err := h.mesh.Catalog.Run(ctx, name)
	return h.workflowJSON(c, name, results, err)
}

func (h *EchoHandler) workflowJSON(c echo.Context, name string, results []any, err error) error {
	if results == nil {
		results = []any{}
	}
	resp := WorkflowResponse{
		Success:   err == nil,
		Workflow:  name,
		Results:   results,
		Message:   "工作流执行完成",
		Timestamp: now(),
	}
	if err == nil {
		return c.JSON(http.StatusOK, resp)
	}

	resp.Message = err.Error()
	var stepErr *workflow.StepError
	if errors.As(err, &stepErr) {
		index := stepErr.Index
		resp.FailedStep = &index
	}
	return c.JSON(errorStatus(err), resp)
}

func (h *EchoHandler) handleBroadcast(c echo.Context) error {
	var req BroadcastRequest
	if err := c.Bind(&req); err != nil {
		h.logger.Error("解析广播请求失败", zap.Error(err))
		return errorJSON(c, http.StatusBadRequest, "无效的请求格式")
	}
	if err := c.Validate(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "参数验证失败: "+err.Error())
	}

	results := h.mesh.Caller.Broadcast(c.Request().Context(), req.Endpoint, invoke.Request{
		Method: req.Method,
		Body:   req.Data,
	})
	return c.JSON(http.StatusOK, BroadcastResponse{
		Success:   true,
		Results:   results,
		Message:   fmt.Sprintf("%d个服务响应了广播", len(results)),
		Timestamp: now(),
	})
}
