package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"YoYoMusic/config"
	"YoYoMusic/storage"
)

var (
	minioRoom  string
	minioStats bool
	minioShow  string
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "房间历史归档管理",
	Long:  `查看MinIO中归档的房间播放历史，支持按房间过滤、查看统计信息、显示单个归档内容。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("开始连接MinIO服务器...")

		cfg := config.Load()
		if cfg.MinioEndpoint == "" {
			log.Fatal("未配置MINIO_ENDPOINT")
		}
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		client, err := storage.NewMinioClient(cfg)
		if err != nil {
			log.Fatalf("创建MinIO客户端失败: %v", err)
		}
		archive := storage.NewHistoryArchive(client, cfg.MinioBucket, clockwork.NewRealClock())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if minioShow != "" {
			record, err := archive.LoadArchive(ctx, minioShow)
			if err != nil {
				log.Fatalf("读取归档失败: %v", err)
			}
			fmt.Printf("\n房间 %s，归档于 %s，共 %d 首\n", record.RoomSlug, record.ArchivedAt.Format(time.RFC3339), len(record.Songs))
			for i, song := range record.Songs {
				fmt.Printf("%3d. [%s] %s (%s)\n", i+1, song.Status, song.Title, song.SourceRef)
			}
			return
		}

		fmt.Printf("\n列出归档 (房间: %s)...\n", displayRoom(minioRoom))
		archives, stats, err := archive.ListArchives(ctx, minioRoom)
		if err != nil {
			log.Fatalf("列出归档失败: %v", err)
		}
		if minioStats {
			fmt.Printf("归档数: %d\n", stats.TotalObjects)
			fmt.Printf("总大小: %s\n", storage.FormatSize(stats.TotalSize))
			if !stats.LastModified.IsZero() {
				fmt.Printf("最近归档: %s\n", stats.LastModified.Format("2006-01-02 15:04:05"))
			}
			return
		}
		for _, a := range archives {
			fmt.Printf("%-8s %-40s %10s  %s\n", a.RoomSlug, a.Key, storage.FormatSize(a.Size), a.LastModified.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\n共 %d 个归档\n", len(archives))
	},
}

func displayRoom(slug string) string {
	if slug == "" {
		return "全部"
	}
	return slug
}

func init() {
	minioCmd.Flags().StringVarP(&minioRoom, "room", "r", "", "只列出指定房间的归档")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "显示归档统计信息")
	minioCmd.Flags().StringVar(&minioShow, "show", "", "显示指定归档的内容")
	rootCmd.AddCommand(minioCmd)
}
