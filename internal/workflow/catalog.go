package workflow

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/hewenyu/service-mesh/pkg/model"
)

// TriggerPrefix 触发具名工作流的事件类型前缀，发布"workflow.<name>"即执行对应工作流
const TriggerPrefix = "workflow."

// 工作流生命周期事件占用的名称，不能用作工作流名
var reservedNames = []string{
	strings.TrimPrefix(model.EventWorkflowStarted, TriggerPrefix),
	strings.TrimPrefix(model.EventWorkflowStepDone, TriggerPrefix),
	strings.TrimPrefix(model.EventWorkflowCompleted, TriggerPrefix),
	strings.TrimPrefix(model.EventWorkflowFailed, TriggerPrefix),
}

// Catalog 具名工作流目录
type Catalog struct {
	engine *Engine

	mu          sync.RWMutex
	definitions map[string]model.WorkflowDefinition
}

// NewCatalog 创建工作流目录
func NewCatalog(engine *Engine) *Catalog {
	return &Catalog{
		engine:      engine,
		definitions: make(map[string]model.WorkflowDefinition),
	}
}

// Register 添加或替换具名工作流
func (c *Catalog) Register(def model.WorkflowDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}
	if slices.Contains(reservedNames, def.Name) {
		return model.NewInvalidArgumentError("工作流名称被保留: " + def.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.definitions[def.Name] = def
	return nil
}

// Get 获取具名工作流
func (c *Catalog) Get(name string) (model.WorkflowDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.definitions[name]
	if !ok {
		return model.WorkflowDefinition{}, model.NewNotFoundError("工作流不存在: " + name)
	}
	return def, nil
}

// Names 返回所有工作流名称，按字母排序
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.definitions))
	for name := range c.definitions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Run 执行具名工作流
func (c *Catalog) Run(ctx context.Context, name string) ([]any, error) {
	def, err := c.Get(name)
	if err != nil {
		return nil, err
	}
	return c.engine.Execute(ctx, def)
}

// TriggerName 从事件类型中解析工作流名称，不是触发事件时返回false
func TriggerName(eventType string) (string, bool) {
	name, ok := strings.CutPrefix(eventType, TriggerPrefix)
	if !ok || name == "" || slices.Contains(reservedNames, name) {
		return "", false
	}
	return name, true
}
