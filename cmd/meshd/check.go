package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/hewenyu/service-mesh/internal/config"
	"github.com/hewenyu/service-mesh/internal/mesh"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:     "check",
	Short:   "校验配置并探测配置中的服务",
	GroupID: "server",
	Long: `加载配置文件，校验预定义的服务和工作流，然后对每个服务执行一次健康检查。
有服务不健康时以非0状态退出。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		m := mesh.New(cfg, config.NewNopLogger(), nil)
		defer m.Close()
		if err := m.Bootstrap(); err != nil {
			return err
		}

		results := m.Monitor.CheckAll(context.Background())
		if jsonOutput {
			data, err := json.MarshalIndent(results, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		} else {
			printCheckTable(results)
		}

		for _, healthy := range results {
			if !healthy {
				return fmt.Errorf("存在不健康的服务")
			}
		}
		return nil
	},
}

func printCheckTable(results map[string]bool) {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tHEALTHY")
	for _, id := range ids {
		fmt.Fprintf(w, "%s\t%t\n", id, results[id])
	}
	w.Flush()
	fmt.Printf("\n%d service(s)\n", len(results))
}
