package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"YoYoMusic/logger"
	"YoYoMusic/model"
)

// RoomDefaults 服务器级房间默认设置，可热更新
type RoomDefaults struct {
	path    string
	current atomic.Pointer[model.RoomSettings]
}

// NewRoomDefaults 创建默认设置，path 为空时只使用内置默认值
func NewRoomDefaults(path string) (*RoomDefaults, error) {
	d := &RoomDefaults{path: path}
	base := model.DefaultRoomSettings()
	d.current.Store(&base)
	if path == "" {
		return d, nil
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Get 返回当前默认设置副本
func (d *RoomDefaults) Get() model.RoomSettings {
	return *d.current.Load()
}

// Reload 重新读取 YAML 文件
func (d *RoomDefaults) Reload() error {
	settings, err := loadRoomDefaults(d.path)
	if err != nil {
		return err
	}
	d.current.Store(&settings)
	return nil
}

func loadRoomDefaults(path string) (model.RoomSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.RoomSettings{}, fmt.Errorf("failed to read room defaults: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return model.RoomSettings{}, fmt.Errorf("failed to parse room defaults: %w", err)
	}
	settings, unknown, err := model.ApplySettings(model.DefaultRoomSettings(), raw)
	if err != nil {
		return model.RoomSettings{}, fmt.Errorf("invalid room defaults: %w", err)
	}
	if len(unknown) > 0 {
		logger.Warn("Ignoring unknown room default keys",
			logger.String("file", path),
			logger.Strings("keys", unknown))
	}
	return settings, nil
}

// Watch 监听文件变化并热加载，阻塞到 ctx 结束
// 监听所在目录，兼容编辑器先写临时文件再 rename 的保存方式
func (d *RoomDefaults) Watch(ctx context.Context) error {
	if d.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(d.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(d.path)

	// 合并短时间内的多次写事件
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounce = time.After(100 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			if err := d.Reload(); err != nil {
				logger.Warn("Room defaults reload failed, keeping previous values",
					logger.String("file", d.path),
					logger.ErrorField(err))
				continue
			}
			logger.Info("Room defaults reloaded", logger.String("file", d.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Room defaults watcher error", logger.ErrorField(err))
		}
	}
}
