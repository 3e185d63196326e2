package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hewenyu/service-mesh/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	// 从默认位置加载配置
	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载默认配置")
	require.NotNil(t, config, "配置不应为nil")

	// 验证默认值
	assert.Equal(t, 8910, config.Server.Port, "API端口应为8910")
	assert.Equal(t, 2*time.Second, config.Health.Timeout, "健康检查超时应为2s")
	assert.Equal(t, 30*time.Second, config.Health.Interval, "巡检间隔应为30s")
	assert.Equal(t, 30*time.Second, config.Workflow.StepTimeout, "步骤超时应为30s")
	assert.Equal(t, 1000, config.Events.HistoryCapacity, "事件历史容量应为1000")
	assert.Equal(t, "mesh.local", config.DNS.Domain, "DNS域名应为mesh.local")
	assert.Empty(t, config.DNS.Upstream, "默认不转发上游DNS")
	assert.False(t, config.Etcd.Enabled, "etcd镜像默认关闭")
	assert.False(t, config.NATS.Enabled, "NATS桥接默认关闭")
	assert.Empty(t, config.Services, "默认不注册任何服务")
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	// 设置环境变量
	t.Setenv("SERVICE_MESH_PORT", "9911")
	t.Setenv("SERVICE_MESH_DNS_PORT", "5353")

	// 加载配置
	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载配置")
	require.NotNil(t, config, "配置不应为nil")

	// 验证环境变量覆盖
	assert.Equal(t, 9911, config.Server.Port, "环境变量应正确覆盖API端口")
	assert.Equal(t, 5353, config.DNS.Port, "环境变量应正确覆盖DNS端口")

	// 确认其他值不受影响
	assert.Equal(t, 2*time.Second, config.Health.Timeout, "健康检查超时不应被环境变量影响")
}

func TestLoadConfigWithMissingFile(t *testing.T) {
	// 尝试从不存在的文件加载配置
	config, err := LoadConfig("non_existent_file.yaml")

	// 应该返回错误
	assert.Error(t, err, "从不存在的文件加载配置应该失败")

	// 不应该返回配置对象
	assert.Nil(t, config, "加载不存在的配置文件应该返回nil配置")
}

func TestLoadConfigWithServicesAndWorkflows(t *testing.T) {
	content := `
server:
  port: 9000
health:
  timeout: 1500ms
services:
  - id: dream-journal
    name: Dream Journal
    base_url: http://localhost:8899
    capabilities: [dreams, patterns]
  - id: decision-framework
    name: Conscious Decision Framework
    base_url: http://localhost:8909
    capabilities: [decisions]
    dependencies: [dream-journal]
workflows:
  - name: dream-to-decision
    steps:
      - service: dream-journal
        endpoint: /dreams
      - service: decision-framework
        endpoint: /decide
        method: POST
        input:
          kind: wrap
          field: dreams
        transform:
          kind: extract
          field: decision
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err, "加载配置文件失败")

	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, 1500*time.Millisecond, config.Health.Timeout)

	require.Len(t, config.Services, 2, "应加载两个服务")
	assert.Equal(t, "http://localhost:8899", config.Services[0].BaseURL)
	assert.Equal(t, []string{"dreams", "patterns"}, config.Services[0].Capabilities)
	assert.Equal(t, []string{"dream-journal"}, config.Services[1].Dependencies)

	require.Len(t, config.Workflows, 1, "应加载一个工作流")
	wf := config.Workflows[0]
	assert.Equal(t, "dream-to-decision", wf.Name)
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, "POST", wf.Steps[1].Method)
	require.NotNil(t, wf.Steps[1].Input)
	assert.Equal(t, model.TransformWrap, wf.Steps[1].Input.Kind)
	require.NotNil(t, wf.Steps[1].Transform)
	assert.Equal(t, "decision", wf.Steps[1].Transform.Field)
}

func TestLoadConfigRejectsDuplicateServices(t *testing.T) {
	content := `
services:
  - id: mem
    base_url: http://localhost:9001
  - id: mem
    base_url: http://localhost:9002
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	config, err := LoadConfig(path)
	assert.Error(t, err, "重复的服务ID应该报错")
	assert.Nil(t, config)
}
