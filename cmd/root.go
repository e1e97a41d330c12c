package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"YoYoMusic/server"
)

var rootCmd = &cobra.Command{
	Use:   "yoyo_server",
	Short: "YoYoMusic is a shared listening room service.",
	Run: func(cmd *cobra.Command, args []string) {
		log.Println("Starting YoYoMusic server...")
		server.Start()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
