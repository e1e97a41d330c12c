package room

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"YoYoMusic/model"
)

func TestPlaybackClockTransitions(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	c := NewPlaybackClock(fc)

	if err := c.Pause(10); !errors.Is(err, model.ErrInvalidSong) {
		t.Fatalf("Pause while idle = %v, want ErrInvalidSong", err)
	}
	if err := c.SeekTo(10); !errors.Is(err, model.ErrInvalidSong) {
		t.Fatalf("SeekTo while idle = %v, want ErrInvalidSong", err)
	}
	if err := c.Play("a", 0); !errors.Is(err, model.ErrInvalidSong) {
		t.Fatalf("Play with no current song = %v, want ErrInvalidSong", err)
	}

	c.load("a")
	snap := c.Snapshot()
	if snap.Status != model.PlaybackPlaying || snap.SongID() != "a" || snap.PositionMs != 0 || snap.UpdatedAt != 1_000_000 {
		t.Fatalf("after load: %+v", snap)
	}

	fc.Advance(3 * time.Second)
	if got := c.Position(nil); got != 3000 {
		t.Fatalf("extrapolated position = %d, want 3000", got)
	}

	if err := c.Pause(2900); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	fc.Advance(5 * time.Second)
	if got := c.Position(nil); got != 2900 {
		t.Fatalf("paused position = %d, want 2900", got)
	}

	if err := c.SeekTo(-50); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}
	if snap := c.Snapshot(); snap.Status != model.PlaybackPaused || snap.PositionMs != 0 {
		t.Fatalf("seek keeps status and clamps: %+v", snap)
	}

	if err := c.Play("b", 0); !errors.Is(err, model.ErrInvalidSong) {
		t.Fatalf("Play other song = %v, want ErrInvalidSong", err)
	}
	if err := c.Play("a", 1500); err != nil {
		t.Fatalf("Play current song: %v", err)
	}

	c.stop()
	if snap := c.Snapshot(); snap.Status != model.PlaybackIdle || snap.CurrentSongID != nil {
		t.Fatalf("after stop: %+v", snap)
	}
}

func TestPlaybackClockUpdatedAtMonotonic(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.UnixMilli(5_000))
	c := NewPlaybackClock(fc)
	c.load("a")

	// 模拟墙钟回拨：上一次更新时间在当前时间之后
	c.state.UpdatedAt = 9_000
	if err := c.SeekTo(100); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}
	if got := c.Snapshot().UpdatedAt; got != 9_000 {
		t.Fatalf("UpdatedAt = %d, want 9000 (never decreases)", got)
	}
}

func TestPlaybackClockSnapshotIsCopy(t *testing.T) {
	c := NewPlaybackClock(clockwork.NewFakeClock())
	c.load("a")
	snap := c.Snapshot()
	*snap.CurrentSongID = "mutated"
	if c.Snapshot().SongID() != "a" {
		t.Fatal("Snapshot must not alias clock state")
	}
}
