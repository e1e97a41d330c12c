package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"YoYoMusic/model"
)

func TestArchiveKey(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key := ArchiveKey("AB12CD", at)
	if key != "rooms/AB12CD/1772366400.json" {
		t.Fatalf("key = %s", key)
	}
	if got := slugFromKey(key); got != "AB12CD" {
		t.Fatalf("slugFromKey = %q", got)
	}
	if got := slugFromKey("other/file.json"); got != "" {
		t.Fatalf("slugFromKey(foreign) = %q", got)
	}
}

func TestEncodeRecord(t *testing.T) {
	at := time.Date(2026, 3, 1, 20, 0, 0, 0, time.FixedZone("CST", 8*3600))
	songs := []model.QueueSong{
		{ID: "s1", SourceRef: "netease:1", Title: "One", Status: model.SongPlayed, Position: 0},
		{ID: "s2", SourceRef: "netease:2", Title: "Two", Status: model.SongSkipped, Position: 1},
	}
	data, err := encodeRecord("AB12CD", at, songs)
	if err != nil {
		t.Fatalf("encodeRecord: %v", err)
	}
	var got HistoryRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := HistoryRecord{RoomSlug: "AB12CD", ArchivedAt: at.UTC(), Songs: songs}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("record (-want +got):\n%s", diff)
	}
}

func TestFormatSize(t *testing.T) {
	tests := map[int64]string{
		512:             "512 B",
		2048:            "2.00 KB",
		5 * 1024 * 1024: "5.00 MB",
	}
	for size, want := range tests {
		if got := FormatSize(size); got != want {
			t.Errorf("FormatSize(%d) = %s, want %s", size, got, want)
		}
	}
}
