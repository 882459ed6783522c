package persist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wlmd/internal/owner"
	"wlmd/internal/state"
)

func snapshotWith(setpoint float64) (*state.Store, state.Snapshot) {
	store := state.New(map[int]string{1: "Ch_1", 2: "Ch_2"})
	store.Update(func(s *state.Snapshot) {
		c := s.Channels[1]
		c.Setpoint = setpoint
		c.LockEnabled = true
		c.PID = state.PID{P: 10, I: 2, Dt: 0.01}
		c.Bounds = state.Bounds{Min: -2000, Max: 2000}
		s.Channels[1] = c
	})
	return store, store.Read()
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.json")
	_, snap := snapshotWith(348.2)

	if err := Save(path, Collect(snap)); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec, ok, err := Load(path)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}

	got := rec.Channels[1]
	if got.Setpoint != 348.2 || !got.Lock {
		t.Fatalf("loaded channel 1 = %+v", got)
	}
	if got.PID.P != 10 || got.PID.Dt != 0.01 {
		t.Fatalf("loaded pid = %+v", got.PID)
	}
	if got.Bounds.Min != -2000 {
		t.Fatalf("loaded bounds = %+v", got.Bounds)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, ok, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("missing file is not an error, got %v", err)
	}
	if ok {
		t.Fatal("missing file reported ok")
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	_, snap := snapshotWith(348.2)

	if err := Save(path, Collect(snap)); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Fatalf("dir has %d entries, want just the settings file", len(entries))
	}
}

func TestSaveReplacesExisting(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.json")

	_, snap := snapshotWith(100)
	if err := Save(path, Collect(snap)); err != nil {
		t.Fatalf("first save: %v", err)
	}
	_, snap = snapshotWith(200)
	if err := Save(path, Collect(snap)); err != nil {
		t.Fatalf("second save: %v", err)
	}

	rec, _, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Channels[1].Setpoint != 200 {
		t.Fatalf("setpoint = %v, want the second save's 200", rec.Channels[1].Setpoint)
	}
}

func TestDiffIgnoresSubToleranceDrift(t *testing.T) {
	t.Parallel()
	_, snap := snapshotWith(348.2)
	rec := Collect(snap)
	rec.Channels[1] = withSetpoint(rec.Channels[1], 348.2+1e-12)

	if changes := Diff(rec, snap); len(changes) != 0 {
		t.Fatalf("sub-tolerance drift produced changes: %+v", changes)
	}
}

func TestDiffFindsRealDrift(t *testing.T) {
	t.Parallel()
	_, snap := snapshotWith(348.2)
	rec := Collect(snap)
	rec.Channels[1] = withSetpoint(rec.Channels[1], 349.0)

	changes := Diff(rec, snap)
	if len(changes) != 1 {
		t.Fatalf("changes = %+v, want exactly the setpoint", changes)
	}
	c := changes[0]
	if c.Channel != 1 || c.Quantity != owner.QtySetpoint || c.Value != 349.0 {
		t.Fatalf("change = %+v", c)
	}
}

func TestDiffSkipsUnknownChannels(t *testing.T) {
	t.Parallel()
	_, snap := snapshotWith(348.2)
	rec := Collect(snap)
	rec.Channels[99] = ChannelSettings{Setpoint: 500}

	for _, c := range Diff(rec, snap) {
		if c.Channel == 99 {
			t.Fatalf("diff produced a change for an unknown channel: %+v", c)
		}
	}
}

func TestDiffGlobals(t *testing.T) {
	t.Parallel()
	_, snap := snapshotWith(348.2)
	rec := Collect(snap)
	rec.Autocal = !snap.Globals.Autocal

	found := false
	for _, c := range Diff(rec, snap) {
		if c.Quantity == owner.QtyAutocal {
			found = true
		}
	}
	if !found {
		t.Fatal("autocal drift not detected")
	}
}

func TestRestoreQueuesAndMarksPending(t *testing.T) {
	t.Parallel()
	store, snap := snapshotWith(348.2)
	rec := Collect(snap)
	rec.Channels[1] = withSetpoint(rec.Channels[1], 349.0)

	q := owner.NewQueue(16)
	n := Restore(rec, snap, q, store)
	if n != 1 {
		t.Fatalf("Restore queued %d, want 1", n)
	}

	req, ok := q.TryDequeue()
	if !ok {
		t.Fatal("queue empty after restore")
	}
	if req.Origin != owner.OriginLocal || req.Value != 349.0 {
		t.Fatalf("queued request = %+v", req)
	}
	if v, ok := store.Pending(1, string(owner.QtySetpoint)); !ok || v != 349.0 {
		t.Fatalf("pending marker = (%v, %v), want (349.0, true)", v, ok)
	}
}

func TestRestoreQueueOverflowDropsQuietly(t *testing.T) {
	t.Parallel()
	store, snap := snapshotWith(348.2)
	rec := Collect(snap)
	rec.Channels[1] = withSetpoint(rec.Channels[1], 349.0)
	ch2 := rec.Channels[2]
	ch2.Setpoint = 350.0
	rec.Channels[2] = ch2

	q := owner.NewQueue(1)
	if n := Restore(rec, snap, q, store); n != 1 {
		t.Fatalf("Restore queued %d with a 1-slot queue, want 1", n)
	}
}

func withSetpoint(cs ChannelSettings, v float64) ChannelSettings {
	cs.Setpoint = v
	return cs
}
