package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version 通过 -ldflags "-X main.version=..." 注入
var version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "打印版本号",
	GroupID: "server",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("meshd", version)
	},
}
