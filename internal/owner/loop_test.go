package owner

import (
	"sync"
	"testing"
	"time"

	"wlmd/internal/driver"
	"wlmd/internal/state"
)

func newTestLoop(cfg Config) (*Loop, *driver.Sim, *state.Store, *Queue) {
	sim := driver.NewSim(2)
	store := state.New(map[int]string{1: "Ch_1", 2: "Ch_2"})
	queue := NewQueue(16)
	return New(sim, store, queue, cfg, nil), sim, store, queue
}

func TestUnchangedSampleKeepsLastGood(t *testing.T) {
	t.Parallel()
	l, sim, store, _ := newTestLoop(Config{})

	sim.SetFrequency(1, 348.5)
	l.pollFast()
	ch, _ := store.Channel(1)
	if !ch.Valid || ch.Frequency != 348.5 || ch.Changes != 1 {
		t.Fatalf("after new sample: %+v", ch)
	}

	// No new sample: the reading repeats, nothing counts as a change.
	l.pollFast()
	ch, _ = store.Channel(1)
	if !ch.Valid || ch.Frequency != 348.5 {
		t.Fatalf("unchanged sample disturbed state: %+v", ch)
	}
	if ch.Changes != 1 {
		t.Fatalf("unchanged sample counted as change: %d", ch.Changes)
	}
}

func TestInvalidSampleClearsValidOnly(t *testing.T) {
	t.Parallel()
	l, sim, store, _ := newTestLoop(Config{})

	sim.SetFrequency(1, 348.5)
	l.pollFast()
	sim.SetInvalid(1)
	l.pollFast()

	ch, _ := store.Channel(1)
	if ch.Valid {
		t.Fatal("invalid sample left valid flag set")
	}
	if ch.Frequency != 348.5 {
		t.Fatalf("invalid sample overwrote last good value: %v", ch.Frequency)
	}
	if ch.Converged {
		t.Fatal("invalid channel reported converged")
	}
}

func TestWritesApplyInOrder(t *testing.T) {
	t.Parallel()
	l, sim, store, q := newTestLoop(Config{MinSetpoint: 1})

	q.TryEnqueue(WriteRequest{Channel: 1, Quantity: QtySetpoint, Value: 348.1})
	q.TryEnqueue(WriteRequest{Channel: 1, Quantity: QtySetpoint, Value: 348.2})
	l.cycle()

	var writes []float64
	for _, op := range sim.Ops() {
		if op.Kind == "write.setpoint" {
			writes = append(writes, op.Value)
		}
	}
	if len(writes) != 2 || writes[0] != 348.1 || writes[1] != 348.2 {
		t.Fatalf("setpoint writes = %v, want [348.1 348.2]", writes)
	}

	ch, _ := store.Channel(1)
	if ch.Setpoint != 348.2 {
		t.Fatalf("store setpoint = %v, want last write 348.2", ch.Setpoint)
	}
}

func TestSubThresholdSetpointNeverReachesDriver(t *testing.T) {
	t.Parallel()
	l, sim, store, q := newTestLoop(Config{MinSetpoint: 1})

	q.TryEnqueue(WriteRequest{Channel: 1, Quantity: QtySetpoint, Value: 0.5})
	l.cycle()

	for _, op := range sim.Ops() {
		if op.Kind == "write.setpoint" {
			t.Fatalf("rejected setpoint reached the driver: %+v", op)
		}
	}
	if l.Rejected() != 1 {
		t.Fatalf("Rejected = %d, want 1", l.Rejected())
	}
	ch, _ := store.Channel(1)
	if ch.Setpoint != 0 {
		t.Fatalf("store setpoint = %v, want untouched 0", ch.Setpoint)
	}
}

func TestReadbackClearsPendingMarker(t *testing.T) {
	t.Parallel()
	l, _, store, q := newTestLoop(Config{MinSetpoint: 1})

	store.SetPending(1, string(QtySetpoint), 348.1, time.Now())
	q.TryEnqueue(WriteRequest{Channel: 1, Quantity: QtySetpoint, Value: 348.1, Origin: OriginLocal})
	l.cycle()

	if _, ok := store.Pending(1, string(QtySetpoint)); ok {
		t.Fatal("pending marker survived a confirming readback")
	}
}

func TestSetpointConvergence(t *testing.T) {
	t.Parallel()
	l, sim, store, q := newTestLoop(Config{MinSetpoint: 1})
	sim.FollowSetpoint = true

	const target = 348.666410000
	q.TryEnqueue(WriteRequest{Channel: 1, Quantity: QtySetpoint, Value: target})
	l.cycle()

	ch, _ := store.Channel(1)
	if ch.Setpoint != target {
		t.Fatalf("setpoint = %v, want %v", ch.Setpoint, target)
	}
	if !ch.Valid || !ch.Converged {
		t.Fatalf("channel did not converge: %+v", ch)
	}
}

func TestOverlappingCycleSkipped(t *testing.T) {
	t.Parallel()
	l, sim, _, _ := newTestLoop(Config{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sim.OnReadFrequency = func(int) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan struct{})
	go func() {
		l.cycle()
		close(done)
	}()
	<-entered

	// A cycle arriving while the first is still in flight must not touch
	// the driver at all.
	before := len(sim.Ops())
	l.cycle()
	if l.Skipped() != 1 {
		t.Fatalf("Skipped = %d, want 1", l.Skipped())
	}
	if got := len(sim.Ops()); got != before {
		t.Fatalf("skipped cycle made %d driver calls", got-before)
	}

	close(release)
	<-done
}

func TestChangeHandlerSeesNewSamplesOnly(t *testing.T) {
	t.Parallel()
	sim := driver.NewSim(1)
	store := state.New(map[int]string{1: "Ch_1"})
	queue := NewQueue(4)

	var mu sync.Mutex
	var changes []Change
	l := New(sim, store, queue, Config{MinSetpoint: 1}, func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	sim.SetFrequency(1, 348.3)
	l.pollFast()
	l.pollFast() // unchanged, no event
	queue.TryEnqueue(WriteRequest{Channel: 1, Quantity: QtyLock, Value: 1, Origin: OriginRemote})
	l.drainWrites()

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 {
		t.Fatalf("changes = %+v, want frequency then lock", changes)
	}
	if changes[0].Quantity != QtyFrequency || changes[0].Value != 348.3 {
		t.Fatalf("first change = %+v", changes[0])
	}
	if changes[1].Quantity != QtyLock || changes[1].Origin != OriginRemote {
		t.Fatalf("second change = %+v", changes[1])
	}
}

func TestSlowPollFillsSettings(t *testing.T) {
	t.Parallel()
	l, sim, store, _ := newTestLoop(Config{})

	sim.WriteSetpoint(1, 348.4)
	sim.WriteLockEnabled(1, true)
	sim.WritePIDSetting(1, driver.PIDP, 12.5)
	sim.WriteBoundsSetting(1, driver.BoundsMax, 2000)
	sim.SetEnvironment(22.5, 1001.2)
	l.pollSlow()

	ch, _ := store.Channel(1)
	if ch.Setpoint != 348.4 || !ch.LockEnabled {
		t.Fatalf("settings not polled: %+v", ch)
	}
	if ch.PID.P != 12.5 {
		t.Fatalf("pid.p = %v, want 12.5", ch.PID.P)
	}
	if ch.Bounds.Max != 2000 {
		t.Fatalf("bounds.max = %v, want 2000", ch.Bounds.Max)
	}
	snap := store.Read()
	if snap.Globals.Temperature != 22.5 || snap.Globals.Pressure != 1001.2 {
		t.Fatalf("globals = %+v", snap.Globals)
	}
}
