package daemon

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	syncengine "github.com/chatvault/chatsync/internal/sync"
)

// fakeSyncer counts passes.
type fakeSyncer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSyncer) SyncNow(ctx context.Context) (*syncengine.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &syncengine.Summary{}, nil
}

func (f *fakeSyncer) State() syncengine.State {
	return syncengine.StateIdle
}

func (f *fakeSyncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Interval: 50 * time.Millisecond,
		Floor:    10 * time.Millisecond,
		Logger:   log.New(os.Stderr, "[test] ", 0),
	}
}

func startDaemon(t *testing.T, syncer syncengine.Syncer, config *Config) (*Daemon, context.CancelFunc) {
	t.Helper()

	d, err := New(syncer, config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Start(ctx); err != nil {
			t.Errorf("Start failed: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return d, cancel
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestInitialPassRuns(t *testing.T) {
	syncer := &fakeSyncer{}
	startDaemon(t, syncer, testConfig(t))

	waitFor(t, 2*time.Second, func() bool { return syncer.count() >= 1 })
}

func TestTimerRunsRepeatedPasses(t *testing.T) {
	syncer := &fakeSyncer{}
	startDaemon(t, syncer, testConfig(t))

	waitFor(t, 3*time.Second, func() bool { return syncer.count() >= 3 })
}

func TestTriggerFileStartsPass(t *testing.T) {
	syncer := &fakeSyncer{}
	config := testConfig(t)
	config.Interval = time.Hour // only the trigger can start later passes
	config.Floor = time.Hour
	config.TriggerFile = filepath.Join(t.TempDir(), "sync-trigger")

	startDaemon(t, syncer, config)
	waitFor(t, 2*time.Second, func() bool { return syncer.count() == 1 })

	if err := os.WriteFile(config.TriggerFile, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to touch trigger file: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return syncer.count() >= 2 })
}

func TestConfigReloadChangesInterval(t *testing.T) {
	syncer := &fakeSyncer{}
	config := testConfig(t)
	config.Interval = time.Hour
	config.Floor = 10 * time.Millisecond
	config.ConfigFile = filepath.Join(t.TempDir(), "config.yaml")
	config.ReloadInterval = func() (time.Duration, error) {
		return 30 * time.Millisecond, nil
	}

	startDaemon(t, syncer, config)
	waitFor(t, 2*time.Second, func() bool { return syncer.count() == 1 })

	// Rewriting the config drops the interval from an hour to 30ms, so
	// timer passes start arriving.
	if err := os.WriteFile(config.ConfigFile, []byte("interval: 30ms\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return syncer.count() >= 3 })
}

func TestIntervalClampedToFloor(t *testing.T) {
	d, err := New(&fakeSyncer{}, &Config{
		Interval: time.Second,
		Logger:   log.New(os.Stderr, "[test] ", 0),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer d.watcher.Close()

	if d.config.Interval != DefaultFloor {
		t.Errorf("interval = %v, want clamped to %v", d.config.Interval, DefaultFloor)
	}
}

func TestNilSyncerRejected(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Error("New accepted a nil syncer")
	}
}
