package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"YoYoMusic/config"
	"YoYoMusic/core/syncagent"
	"YoYoMusic/logger"
)

var (
	listenServer string
	listenToken  string
	listenEvery  time.Duration
)

var listenCmd = &cobra.Command{
	Use:   "listen [slug]",
	Short: "作为客户端跟随房间播放",
	Long:  `连接房间推送并保持同步，断线后自动重连；定期输出外推后的播放位置`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		if err := logger.InitLogger(logger.Config{Level: cfg.LogLevel, OutputPath: cfg.LogFile}); err != nil {
			log.Fatalf("初始化日志失败: %v", err)
		}
		defer logger.Sync()

		if listenToken == "" {
			log.Fatal("需要通过 --token 提供参与者令牌")
		}
		slug := args[0]

		agent := syncagent.New(syncagent.Config{
			Slug:    slug,
			Fetcher: &syncagent.HTTPFetcher{BaseURL: listenServer, Token: listenToken},
			Dialer:  &syncagent.WSDialer{BaseURL: listenServer, Token: listenToken},
			Retry:   syncagent.RetryPolicy{Interval: cfg.SyncRetryInterval},
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			ticker := time.NewTicker(listenEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s := agent.State()
					title := "-"
					if s.NowPlaying != nil {
						title = s.NowPlaying.Title
					}
					pos := time.Duration(agent.Position()) * time.Millisecond
					fmt.Printf("[v%d] %-7s %s %s (%d人在线, 已连接: %v)\n",
						s.Version, s.Playback.Status, title, pos.Truncate(time.Second), s.ParticipantCount, s.Connected)
				}
			}
		}()

		if err := agent.Run(ctx); err != nil {
			log.Fatalf("同步终止: %v", err)
		}
		fmt.Println("已退出房间")
	},
}

func init() {
	listenCmd.Flags().StringVarP(&listenServer, "server", "s", "http://localhost:8080", "房间服务地址")
	listenCmd.Flags().StringVarP(&listenToken, "token", "t", "", "加入房间时获得的参与者令牌")
	listenCmd.Flags().DurationVar(&listenEvery, "every", time.Second, "输出播放位置的间隔")
	rootCmd.AddCommand(listenCmd)
}
