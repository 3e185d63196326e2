package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hewenyu/service-mesh/pkg/model"
	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	// HTTP API配置
	Server struct {
		ListenAddress   string        `mapstructure:"listen_address"`
		Port            int           `mapstructure:"port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	// 健康检查配置
	Health struct {
		Interval    time.Duration `mapstructure:"interval"`    // 定时巡检间隔，0表示不启动定时巡检
		Timeout     time.Duration `mapstructure:"timeout"`     // 单次探测超时
		Concurrency int           `mapstructure:"concurrency"` // 全量巡检的并发数
	} `mapstructure:"health"`

	// 工作流配置
	Workflow struct {
		StepTimeout    time.Duration `mapstructure:"step_timeout"`    // 单个步骤的超时
		EnableTriggers bool          `mapstructure:"enable_triggers"` // 是否允许通过 workflow.<name> 事件触发
	} `mapstructure:"workflow"`

	// 事件总线配置
	Events struct {
		HistoryCapacity int `mapstructure:"history_capacity"`
	} `mapstructure:"events"`

	// DNS服务发现配置
	DNS struct {
		Enabled       bool     `mapstructure:"enabled"`
		ListenAddress string   `mapstructure:"listen_address"`
		Port          int      `mapstructure:"port"`
		Protocol      string   `mapstructure:"protocol"` // "udp", "tcp", 或 "both"
		Domain        string   `mapstructure:"domain"`
		TTL           int      `mapstructure:"ttl"`
		Upstream      []string `mapstructure:"upstream"` // 网格域名之外的查询转发到这些服务器，为空时返回NXDOMAIN
	} `mapstructure:"dns"`

	// etcd镜像配置
	Etcd struct {
		Enabled     bool          `mapstructure:"enabled"`
		Endpoints   []string      `mapstructure:"endpoints"`
		Username    string        `mapstructure:"username"`
		Password    string        `mapstructure:"password"`
		DialTimeout time.Duration `mapstructure:"dial_timeout"`
		Prefix      string        `mapstructure:"prefix"`
	} `mapstructure:"etcd"`

	// NATS事件桥接配置
	NATS struct {
		Enabled       bool   `mapstructure:"enabled"`
		URL           string `mapstructure:"url"`
		Name          string `mapstructure:"name"`
		SubjectPrefix string `mapstructure:"subject_prefix"`
	} `mapstructure:"nats"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`

	// 启动时自动注册的服务
	Services []model.ServiceRecord `mapstructure:"services"`

	// 预定义的工作流
	Workflows []model.WorkflowDefinition `mapstructure:"workflows"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 设置配置文件名和路径
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.service-mesh")
		v.AddConfigPath("/etc/service-mesh")
	}

	// 配置文件格式
	v.SetConfigType("yaml")

	// 尝试从配置文件加载
	if err := v.ReadInConfig(); err != nil {
		// 找不到配置文件时使用默认值，其他错误则返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("SERVICE_MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port必须大于0")
	}
	if c.Health.Timeout <= 0 {
		return fmt.Errorf("health.timeout必须大于0")
	}
	if c.Workflow.StepTimeout <= 0 {
		return fmt.Errorf("workflow.step_timeout必须大于0")
	}
	if c.Events.HistoryCapacity <= 0 {
		return fmt.Errorf("events.history_capacity必须大于0")
	}
	seen := make(map[string]bool, len(c.Services))
	for i, svc := range c.Services {
		if svc.ID == "" || svc.BaseURL == "" {
			return fmt.Errorf("services[%d]: id和base_url不能为空", i)
		}
		if seen[svc.ID] {
			return fmt.Errorf("services[%d]: 服务ID重复: %s", i, svc.ID)
		}
		seen[svc.ID] = true
	}
	return nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// HTTP API默认配置
	v.SetDefault("server.listen_address", "0.0.0.0")
	v.SetDefault("server.port", 8910)
	v.SetDefault("server.shutdown_timeout", "10s")

	// 健康检查默认配置
	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.timeout", "2s")
	v.SetDefault("health.concurrency", 8)

	// 工作流默认配置
	v.SetDefault("workflow.step_timeout", "30s")
	v.SetDefault("workflow.enable_triggers", true)

	// 事件总线默认配置
	v.SetDefault("events.history_capacity", 1000)

	// DNS默认配置
	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 8953)
	v.SetDefault("dns.protocol", "both")
	v.SetDefault("dns.domain", "mesh.local")
	v.SetDefault("dns.ttl", 30)
	v.SetDefault("dns.upstream", []string{})

	// etcd默认配置
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.prefix", "/service-mesh/services/")

	// NATS默认配置
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "service-mesh")
	v.SetDefault("nats.subject_prefix", "mesh")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("server.port", "SERVICE_MESH_PORT")
	v.BindEnv("dns.port", "SERVICE_MESH_DNS_PORT")
	v.BindEnv("etcd.endpoints", "SERVICE_MESH_ETCD_ENDPOINTS")
	v.BindEnv("nats.url", "SERVICE_MESH_NATS_URL")
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	// 按顺序检查不同位置的配置文件
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.service-mesh/config.yaml",
		"/etc/service-mesh/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
