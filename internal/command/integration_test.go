package command

import (
	"context"
	"testing"
	"time"

	"wlmd/internal/driver"
	"wlmd/internal/owner"
	"wlmd/internal/state"
)

// Full path: command port -> write queue -> owner loop -> driver -> store ->
// command port again.
func TestProgramThenCheckEndToEnd(t *testing.T) {
	t.Parallel()

	sim := driver.NewSim(4)
	sim.FollowSetpoint = true
	store := state.New(map[int]string{1: "Ch_1", 2: "Ch_2", 3: "Ch_3", 4: "Ch_4"})
	queue := owner.NewQueue(16)
	// The owner polls faster than the wait re-reads the store, so every wait
	// observation sees a fresh sample once the write has applied.
	loop := owner.New(sim, store, queue, owner.Config{
		FastInterval: 3 * time.Millisecond,
		SlowInterval: 50 * time.Millisecond,
		MinSetpoint:  1,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	srv := NewServer(store, queue, Config{
		LockPoll:    10 * time.Millisecond,
		LockTimeout: 2 * time.Second,
		Consecutive: 2,
		MinSetpoint: 1,
	})
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(srv.Close)

	const target = 348.666410000
	resp := roundTrip(t, srv.Addr(), Request{Action: "PROGRAM_VALUE", Connection: 3, Quantity: "setpoint", Value: target, Wait: true})
	if resp.Status != "SUCCESS" {
		t.Fatalf("PROGRAM_VALUE wait = %+v", resp)
	}

	resp = roundTrip(t, srv.Addr(), Request{Action: "CHECK_VALUE", Connection: 3, Quantity: "setpoint"})
	if resp.Status != "SUCCESS" || resp.Value == nil || *resp.Value != target {
		t.Fatalf("CHECK_VALUE = %+v, want %v", resp, target)
	}

	// The other channels were untouched.
	resp = roundTrip(t, srv.Addr(), Request{Action: "CHECK_VALUE", Connection: 1, Quantity: "setpoint"})
	if resp.Value == nil || *resp.Value != 0 {
		t.Fatalf("channel 1 setpoint = %+v, want 0", resp)
	}
}
