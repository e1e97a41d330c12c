package cmd

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"YoYoMusic/config"
	"YoYoMusic/core/resolver"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [keywords]",
	Short: "音源解析测试",
	Long:  `用配置的搜索服务解析点歌关键词，输出房间入队时使用的音源、标题和时长`,
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		if cfg.ResolverURL == "" {
			log.Fatal("未配置RESOLVER_URL")
		}

		query := strings.Join(args, " ")
		fmt.Printf("正在搜索: %s\n", query)

		r := resolver.NewHTTPResolver(cfg.ResolverURL, cfg.ResolverTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ResolverTimeout+time.Second)
		defer cancel()

		src, err := r.Resolve(ctx, query)
		if err != nil {
			log.Fatalf("解析失败: %v", err)
		}

		fmt.Printf("音源: %s\n", src.Ref)
		fmt.Printf("标题: %s\n", src.Title)
		if src.DurationMs != nil {
			d := time.Duration(*src.DurationMs) * time.Millisecond
			fmt.Printf("时长: %d:%02d\n", int(d.Minutes()), int(d.Seconds())%60)
		} else {
			fmt.Println("时长: 未知")
		}
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
