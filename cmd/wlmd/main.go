package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wlmd/internal/command"
	"wlmd/internal/config"
	"wlmd/internal/driver"
	"wlmd/internal/driver/modbusdrv"
	"wlmd/internal/history"
	"wlmd/internal/owner"
	"wlmd/internal/persist"
	"wlmd/internal/state"
	"wlmd/internal/telemetry"
)

func main() {
	var (
		cfgPath string
		simMode bool
		restore bool
	)
	flag.StringVar(&cfgPath, "config", "config/wlmd.yaml", "path to YAML config")
	flag.BoolVar(&simMode, "sim", false, "use the in-memory simulated instrument")
	flag.BoolVar(&restore, "restore", false, "re-program settings saved in the settings file on startup")
	flag.Parse()

	cfg, err := config.LoadYAML(cfgPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("load yaml config: %v", err)
		}
		log.Printf("config %s not found, using defaults", cfgPath)
		cfg = config.Default()
	}
	if simMode {
		cfg.Driver.Mode = "sim"
	}

	drv, err := openDriver(cfg)
	if err != nil {
		log.Fatalf("open driver: %v", err)
	}
	defer drv.Close()

	store := state.New(cfg.ChannelNames())
	queue := owner.NewQueue(0)

	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.DBPath, cfg.History.Queue, cfg.History.CacheTTL)
		if err != nil {
			log.Fatalf("open history: %v", err)
		}
		defer hist.Close()
	}

	loop := owner.New(drv, store, queue, owner.Config{
		FastInterval:  cfg.Poll.Fast,
		SlowInterval:  cfg.Poll.Slow,
		LockTolerance: cfg.Lock.Tolerance,
		MinSetpoint:   cfg.Limits.MinSetpoint,
	}, changeHandler(hist))

	cmdSrv := command.NewServer(store, queue, command.Config{
		LockPoll:      cfg.Lock.Poll,
		LockTimeout:   cfg.Lock.Timeout,
		LockTolerance: cfg.Lock.Tolerance,
		Consecutive:   cfg.Lock.Consecutive,
		MinSetpoint:   cfg.Limits.MinSetpoint,
	})
	if err := cmdSrv.Listen(cfg.Command.Listen); err != nil {
		log.Fatalf("command server: %v", err)
	}
	defer cmdSrv.Close()
	log.Printf("command server listening on %s", cmdSrv.Addr())

	var sink telemetry.SnapshotSink
	if cfg.Telemetry.MQTT.Broker != "" {
		emitter, err := telemetry.NewMQTTEmitter(cfg.Telemetry.MQTT.Broker, cfg.Telemetry.MQTT.ClientID, cfg.Telemetry.MQTT.Topic)
		if err != nil {
			log.Printf("mqtt emitter disabled: %v", err)
		} else {
			defer emitter.Close()
			sink = emitter.Sink
		}
	}
	pub := telemetry.NewPublisher(store, cfg.Telemetry.Period, sink)
	if err := pub.Listen(cfg.Telemetry.Listen); err != nil {
		log.Fatalf("telemetry publisher: %v", err)
	}
	defer pub.Close()
	log.Printf("telemetry publisher listening on %s", pub.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Printf("received signal: %v, shutting down...", s)
		cancel()
	}()

	go func() {
		if err := pub.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("telemetry exited: %v", err)
		}
	}()

	if restore {
		// Give the first slow poll a moment to fill the snapshot before
		// diffing the saved settings against it.
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * cfg.Poll.Slow):
			}
			rec, ok, err := persist.Load(cfg.SettingsPath)
			if err != nil {
				log.Printf("settings restore: %v", err)
				return
			}
			if !ok {
				log.Printf("settings restore: no file at %s", cfg.SettingsPath)
				return
			}
			n := persist.Restore(rec, store.Read(), queue, store)
			log.Printf("settings restore: %d writes queued from %s", n, cfg.SettingsPath)
		}()
	}

	if err := loop.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("owner loop exited: %v", err)
	}

	if err := persist.Save(cfg.SettingsPath, persist.Collect(store.Read())); err != nil {
		log.Printf("save settings: %v", err)
	} else {
		log.Printf("settings saved to %s", cfg.SettingsPath)
	}
}

// openDriver picks the device backend from the config.
func openDriver(cfg config.Config) (driver.Driver, error) {
	if cfg.Driver.Mode == "sim" {
		sim := driver.NewSim(maxChannelID(cfg))
		sim.FollowSetpoint = true
		return sim, nil
	}
	return modbusdrv.Connect(cfg.Driver.Address, maxChannelID(cfg), cfg.Driver.Timeout)
}

func maxChannelID(cfg config.Config) int {
	max := 0
	for _, ch := range cfg.Channels {
		if ch.ID > max {
			max = ch.ID
		}
	}
	return max
}

// changeHandler routes effective changes into the history store: frequency
// changes as readings, confirmed writes as audit rows.
func changeHandler(hist *history.Store) owner.ChangeHandler {
	if hist == nil {
		return nil
	}
	return func(c owner.Change) {
		var err error
		if c.Quantity == owner.QtyFrequency {
			err = hist.Handle(c.Channel, string(c.Quantity), c.Value, c.At)
		} else {
			err = hist.Audit(c.Channel, string(c.Quantity), c.Value, c.Origin.String(), c.At)
		}
		if err != nil {
			log.Printf("history: %s ch%d dropped: %v", c.Quantity, c.Channel, err)
		}
	}
}
