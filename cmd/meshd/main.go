package main

import (
	"fmt"
	"os"

	"github.com/hewenyu/service-mesh/internal/config"
	"github.com/spf13/cobra"
)

var (
	configFile string
	serverAddr string
	jsonOutput bool
)

func defaultServerAddr() string {
	if s := os.Getenv("SERVICE_MESH_ADDR"); s != "" {
		return s
	}
	return "localhost:8910"
}

var rootCmd = &cobra.Command{
	Use:           "meshd <command>",
	Short:         "服务网格：服务注册、健康检查、事件总线和工作流编排",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", defaultServerAddr(), "服务网格API地址（客户端命令使用）")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "以JSON格式输出")

	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "服务端:"},
		&cobra.Group{ID: "client", Title: "客户端:"},
	)

	// 服务端
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)

	// 客户端
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(workflowCmd)
}

// loadRuntime 加载配置并创建日志
func loadRuntime() (*config.Config, config.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	logger, err := config.NewLogger(cfg.Log.Development, cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
