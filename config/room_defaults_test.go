package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"YoYoMusic/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestRoomDefaultsWithoutFile(t *testing.T) {
	d, err := NewRoomDefaults("")
	if err != nil {
		t.Fatalf("NewRoomDefaults: %v", err)
	}
	if got, want := d.Get(), model.DefaultRoomSettings(); got != want {
		t.Fatalf("Get() = %+v, want %+v", got, want)
	}
}

func TestRoomDefaultsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.yaml")
	writeFile(t, path, "auto_play: false\nmax_participants: 8\nfuture_key: 1\n")

	d, err := NewRoomDefaults(path)
	if err != nil {
		t.Fatalf("NewRoomDefaults: %v", err)
	}
	got := d.Get()
	if got.AutoPlay {
		t.Errorf("AutoPlay = true, want false")
	}
	if got.MaxParticipants != 8 {
		t.Errorf("MaxParticipants = %d, want 8", got.MaxParticipants)
	}
	if got.VoteSkip != true || got.HistoryLimit != 200 {
		t.Errorf("unset keys should keep built-in defaults, got %+v", got)
	}
}

func TestRoomDefaultsRejectsWrongType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.yaml")
	writeFile(t, path, "vote_skip: sometimes\n")

	if _, err := NewRoomDefaults(path); err == nil {
		t.Fatal("expected error for non-boolean vote_skip")
	}
}

func TestRoomDefaultsWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.yaml")
	writeFile(t, path, "history_limit: 10\n")

	d, err := NewRoomDefaults(path)
	if err != nil {
		t.Fatalf("NewRoomDefaults: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// 等待 watcher 就绪后再改文件
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "history_limit: 20\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d.Get().HistoryLimit == 20 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("HistoryLimit = %d after rewrite, want 20", d.Get().HistoryLimit)
}
