// Package persist saves and restores instrument settings as a JSON file.
// On shutdown the daemon collects settings from the latest snapshot; on the
// next start, settings that drifted while the daemon was down are queued
// back as local write requests.
package persist

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"wlmd/internal/owner"
	"wlmd/internal/state"
	"wlmd/internal/utils"
)

// settingsTol is the tolerance for treating a stored float setting as
// unchanged against the live value.
const settingsTol = 1e-9

// ChannelSettings is the persisted subset of one channel's state: the
// programmable settings, never measurements.
type ChannelSettings struct {
	Setpoint  float64         `json:"setpoint"`
	Lock      bool            `json:"lock"`
	Use       bool            `json:"use"`
	Show      bool            `json:"show"`
	PID       state.PID       `json:"pid"`
	Deviation state.Deviation `json:"deviation"`
	Bounds    state.Bounds    `json:"bounds"`
}

// Record is the full settings file payload.
type Record struct {
	SavedAt       time.Time               `json:"saved_at"`
	Autocal       bool                    `json:"autocal"`
	DeviationMode bool                    `json:"deviation_mode"`
	Channels      map[int]ChannelSettings `json:"channels"`
}

// Collect extracts the persistable settings from a snapshot.
func Collect(snap state.Snapshot) Record {
	rec := Record{
		SavedAt:       time.Now(),
		Autocal:       snap.Globals.Autocal,
		DeviationMode: snap.Globals.DeviationMode,
		Channels:      make(map[int]ChannelSettings, len(snap.Channels)),
	}
	for id, ch := range snap.Channels {
		rec.Channels[id] = ChannelSettings{
			Setpoint:  ch.Setpoint,
			Lock:      ch.LockEnabled,
			Use:       ch.Use,
			Show:      ch.Show,
			PID:       ch.PID,
			Deviation: ch.Deviation,
			Bounds:    ch.Bounds,
		}
	}
	return rec
}

// Save writes the record atomically: a temp file in the same directory,
// fsynced, then renamed over the target.
func Save(path string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// Load reads a settings record. A missing file is not an error; it returns
// an empty record and ok=false.
func Load(path string) (Record, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read %s: %w", path, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("parse %s: %w", path, err)
	}
	return rec, true, nil
}

// Change is one setting in the saved record that no longer matches the
// instrument. Value carries the saved value to program back.
type Change struct {
	Channel  int
	Quantity owner.Quantity
	Value    float64
}

// Diff compares a saved record against a live snapshot and lists the
// settings to re-program. Channels absent from the snapshot are skipped.
func Diff(rec Record, snap state.Snapshot) []Change {
	var out []Change
	add := func(ch int, q owner.Quantity, saved, live float64) {
		if !utils.FloatsEqual(saved, live, settingsTol) {
			out = append(out, Change{Channel: ch, Quantity: q, Value: saved})
		}
	}
	for id, saved := range rec.Channels {
		live, ok := snap.Channels[id]
		if !ok {
			continue
		}
		add(id, owner.QtySetpoint, saved.Setpoint, live.Setpoint)
		add(id, owner.QtyLock, boolFloat(saved.Lock), boolFloat(live.LockEnabled))
		add(id, owner.QtyUse, boolFloat(saved.Use), boolFloat(live.Use))
		add(id, owner.QtyShow, boolFloat(saved.Show), boolFloat(live.Show))

		add(id, owner.QtyPIDP, saved.PID.P, live.PID.P)
		add(id, owner.QtyPIDI, saved.PID.I, live.PID.I)
		add(id, owner.QtyPIDD, saved.PID.D, live.PID.D)
		add(id, owner.QtyPIDT, saved.PID.T, live.PID.T)
		add(id, owner.QtyPIDDt, saved.PID.Dt, live.PID.Dt)
		add(id, owner.QtyPIDUseTa, boolFloat(saved.PID.UseTa), boolFloat(live.PID.UseTa))

		add(id, owner.QtyDevPolarity, float64(saved.Deviation.Polarity), float64(live.Deviation.Polarity))
		add(id, owner.QtyDevFactor, saved.Deviation.SensitivityFactor, live.Deviation.SensitivityFactor)
		add(id, owner.QtyDevExp, float64(saved.Deviation.SensitivityExp), float64(live.Deviation.SensitivityExp))
		add(id, owner.QtyDevUnit, float64(saved.Deviation.Unit), float64(live.Deviation.Unit))
		add(id, owner.QtyDevSource, float64(saved.Deviation.SourceChannel), float64(live.Deviation.SourceChannel))

		add(id, owner.QtyBoundsMin, saved.Bounds.Min, live.Bounds.Min)
		add(id, owner.QtyBoundsMax, saved.Bounds.Max, live.Bounds.Max)
		add(id, owner.QtyBoundsRefAt, saved.Bounds.RefAt, live.Bounds.RefAt)
		add(id, owner.QtyBoundsRefMid, boolFloat(saved.Bounds.RefMid), boolFloat(live.Bounds.RefMid))
	}
	if rec.Autocal != snap.Globals.Autocal {
		out = append(out, Change{Quantity: owner.QtyAutocal, Value: boolFloat(rec.Autocal)})
	}
	if rec.DeviationMode != snap.Globals.DeviationMode {
		out = append(out, Change{Quantity: owner.QtyDevMode, Value: boolFloat(rec.DeviationMode)})
	}
	return out
}

// Restore queues every differing saved setting as a local write request,
// marking each as pending in the store. Returns the number queued.
func Restore(rec Record, snap state.Snapshot, q *owner.Queue, store *state.Store) int {
	changes := Diff(rec, snap)
	now := time.Now()
	queued := 0
	for _, c := range changes {
		req := owner.WriteRequest{
			Channel:  c.Channel,
			Quantity: c.Quantity,
			Value:    c.Value,
			Origin:   owner.OriginLocal,
		}
		if err := q.TryEnqueue(req); err != nil {
			log.Printf("persist: restore of ch%d %s dropped: %v", c.Channel, c.Quantity, err)
			continue
		}
		store.SetPending(c.Channel, string(c.Quantity), c.Value, now)
		queued++
	}
	return queued
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
