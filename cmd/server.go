package cmd

import (
	"github.com/spf13/cobra"

	"YoYoMusic/server"
)

var serverCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "启动房间服务",
	Long:    `启动YoYoMusic房间同步服务，提供房间 HTTP API 和 WebSocket 推送`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
