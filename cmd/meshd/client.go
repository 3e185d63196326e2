package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hewenyu/service-mesh/pkg/model"
	sdk "github.com/hewenyu/service-mesh/sdk/go"
	"github.com/spf13/cobra"
)

func newClient() (*sdk.Client, error) {
	return sdk.NewClient(&sdk.Config{
		ServerAddr: serverAddr,
		ServiceID:  "meshd-cli",
		Timeout:    time.Minute,
		RetryCount: 1,
	})
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var servicesCmd = &cobra.Command{
	Use:     "services",
	Short:   "列出已注册的服务",
	GroupID: "client",
	RunE: func(cmd *cobra.Command, args []string) error {
		capability, _ := cmd.Flags().GetString("capability")

		client, err := newClient()
		if err != nil {
			return err
		}
		services, err := client.ListServices(cmd.Context(), capability)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(services)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tBASE URL\tCAPABILITIES\tLAST SEEN")
		for _, s := range services {
			lastSeen := ""
			if !s.LastSeen.IsZero() {
				lastSeen = s.LastSeen.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.ID, s.Status.Effective(), s.BaseURL, strings.Join(s.Capabilities, ","), lastSeen)
		}
		w.Flush()
		fmt.Printf("\n%d service(s)\n", len(services))
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:     "publish <type> [json-data]",
	Short:   "向事件总线发布事件",
	GroupID: "client",
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data any
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("事件数据不是合法的JSON")
			}
			data = json.RawMessage(args[1])
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		event, err := client.Publish(cmd.Context(), args[0], data, nil)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(event)
		}
		fmt.Printf("已发布事件 %s (%s)\n", event.ID, event.Type)
		return nil
	},
}

var workflowCmd = &cobra.Command{
	Use:     "workflow",
	Short:   "工作流操作",
	GroupID: "client",
}

var workflowRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "执行预定义的工作流",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		results, err := client.RunWorkflow(cmd.Context(), args[0])
		if len(results) > 0 {
			if perr := printJSON(results); perr != nil {
				return perr
			}
		}
		return err
	},
}

var workflowExecCmd = &cobra.Command{
	Use:   "exec <definition.json>",
	Short: "执行文件中定义的工作流",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("读取工作流定义失败: %w", err)
		}
		var def model.WorkflowDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return fmt.Errorf("解析工作流定义失败: %w", err)
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		results, err := client.ExecuteWorkflow(cmd.Context(), def)
		if len(results) > 0 {
			if perr := printJSON(results); perr != nil {
				return perr
			}
		}
		return err
	},
}

func init() {
	servicesCmd.Flags().String("capability", "", "只列出具备该能力的服务")

	workflowCmd.AddCommand(workflowRunCmd)
	workflowCmd.AddCommand(workflowExecCmd)
}
