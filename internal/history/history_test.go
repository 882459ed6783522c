package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T, queueSize int, ttl time.Duration) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wlmd_test.sqlite")
	s, err := Open(path, queueSize, ttl)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitForRow(t *testing.T, s *Store, channel int, quantity string, want float64) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, err := s.Latest(ctx, channel, quantity); err == nil && r.Value == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("row (%d, %s, %v) never landed", channel, quantity, want)
}

func TestHandlePersistsReading(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, 16, time.Minute)

	if err := s.Handle(4, "frequency", 348.666410000, time.Now()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	waitForRow(t, s, 4, "frequency", 348.666410000)
}

func TestDedupeSkipsRepeats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, 16, time.Minute)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 5; i++ {
		if err := s.Handle(1, "volt", 37.5, now.Add(time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	waitForRow(t, s, 1, "volt", 37.5)

	rows, err := s.Recent(ctx, 1, "volt", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("repeats persisted %d rows, want 1", len(rows))
	}
}

func TestDedupeAllowsChangedValue(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, 16, time.Minute)
	ctx := context.Background()

	now := time.Now()
	s.Handle(1, "frequency", 348.1, now)
	s.Handle(1, "frequency", 348.2, now.Add(time.Millisecond))
	waitForRow(t, s, 1, "frequency", 348.2)

	rows, err := s.Recent(ctx, 1, "frequency", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("changed values persisted %d rows, want 2", len(rows))
	}
}

func TestQueueOverflowRejects(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, 1, time.Minute)

	// Flood faster than the writer can drain a 1-slot queue; eventually
	// a record is rejected instead of blocking the caller.
	now := time.Now()
	var sawFull bool
	for i := 0; i < 10000 && !sawFull; i++ {
		err := s.Handle(1, "frequency", float64(i), now)
		if errors.Is(err, ErrQueueFull) {
			sawFull = true
		}
	}
	if !sawFull {
		t.Skip("writer kept up with the flood; overflow not observable on this machine")
	}
}

func TestAuditRow(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, 16, time.Minute)

	if err := s.Audit(4, "setpoint", 348.2, "remote", time.Now()); err != nil {
		t.Fatalf("audit: %v", err)
	}

	// Audits share the writer queue; once the related reading query sees
	// data the audit insert has also been flushed.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var n int64
		if err := s.orm.Table("write_audits").Where("channel = ? AND origin = ?", 4, "remote").Count(&n).Error; err == nil && n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("audit row never landed")
}
