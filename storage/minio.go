package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"YoYoMusic/config"
	"YoYoMusic/logger"
	"YoYoMusic/model"
)

const archivePrefix = "rooms/"

// HistoryRecord 一次归档的内容
type HistoryRecord struct {
	RoomSlug   string            `json:"room_slug"`
	ArchivedAt time.Time         `json:"archived_at"`
	Songs      []model.QueueSong `json:"songs"`
}

// ArchiveInfo 归档对象信息
type ArchiveInfo struct {
	Key          string
	RoomSlug     string
	Size         int64
	LastModified time.Time
}

// ArchiveStats 归档统计
type ArchiveStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
}

// NewMinioClient 根据配置创建 MinIO 客户端
func NewMinioClient(cfg *config.Config) (*minio.Client, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return client, nil
}

// EnsureBucket 存储桶不存在时创建
func EnsureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		logger.Info("MinIO bucket ready", logger.String("bucket", bucket))
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	logger.Info("MinIO bucket created", logger.String("bucket", bucket))
	return nil
}

// HistoryArchive 把房间播放历史写入对象存储
type HistoryArchive struct {
	client *minio.Client
	bucket string
	clock  clockwork.Clock
}

// NewHistoryArchive 创建历史归档
func NewHistoryArchive(client *minio.Client, bucket string, clock clockwork.Clock) *HistoryArchive {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HistoryArchive{client: client, bucket: bucket, clock: clock}
}

// ArchiveKey rooms/{slug}/{unix}.json
func ArchiveKey(slug string, at time.Time) string {
	return fmt.Sprintf("%s%s/%d.json", archivePrefix, slug, at.Unix())
}

// slugFromKey 从对象名解析房间短码
func slugFromKey(key string) string {
	if !strings.HasPrefix(key, archivePrefix) {
		return ""
	}
	rest := strings.TrimPrefix(key, archivePrefix)
	if i := strings.IndexByte(rest, '/'); i > 0 {
		return rest[:i]
	}
	return ""
}

func encodeRecord(slug string, at time.Time, songs []model.QueueSong) ([]byte, error) {
	return json.Marshal(HistoryRecord{RoomSlug: slug, ArchivedAt: at.UTC(), Songs: songs})
}

// ArchiveHistory 写入一次归档
func (a *HistoryArchive) ArchiveHistory(ctx context.Context, slug string, songs []model.QueueSong) error {
	now := a.clock.Now()
	data, err := encodeRecord(slug, now, songs)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	key := ArchiveKey(slug, now)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	logger.Info("Room history uploaded",
		logger.String("room", slug),
		logger.String("key", key),
		logger.Int("songs", len(songs)))
	return nil
}

// ListArchives 列出归档，slug 为空时列出全部房间，按时间倒序
func (a *HistoryArchive) ListArchives(ctx context.Context, slug string) ([]ArchiveInfo, *ArchiveStats, error) {
	prefix := archivePrefix
	if slug != "" {
		prefix += slug + "/"
	}

	stats := &ArchiveStats{}
	var archives []ArchiveInfo
	for object := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, nil, fmt.Errorf("list %s: %w", prefix, object.Err)
		}
		stats.TotalObjects++
		stats.TotalSize += object.Size
		if object.LastModified.After(stats.LastModified) {
			stats.LastModified = object.LastModified
		}
		archives = append(archives, ArchiveInfo{
			Key:          object.Key,
			RoomSlug:     slugFromKey(object.Key),
			Size:         object.Size,
			LastModified: object.LastModified,
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].LastModified.After(archives[j].LastModified)
	})
	return archives, stats, nil
}

// LoadArchive 读取一次归档
func (a *HistoryArchive) LoadArchive(ctx context.Context, key string) (*HistoryRecord, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	var record HistoryRecord
	if err := json.NewDecoder(obj).Decode(&record); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &record, nil
}

// FormatSize 人类可读的文件大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
