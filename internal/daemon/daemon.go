// Package daemon provides the background process that runs sync passes
// automatically.
//
// The daemon:
//  1. Runs a pass on startup, then re-arms a timer after every pass
//  2. Watches a trigger file; touching it starts a pass immediately
//  3. Watches the config file and picks up interval changes
//  4. Handles graceful shutdown
//
// Timer passes are debounced against the last successful pass so a
// manual sync close to a timer tick doesn't run the engine twice.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	syncengine "github.com/chatvault/chatsync/internal/sync"
)

// DefaultFloor is the minimum interval between timer-driven passes.
const DefaultFloor = 30 * time.Second

// Config holds configuration for the daemon.
type Config struct {
	// Interval between automatic passes. Clamped to Floor.
	Interval time.Duration

	// Floor is the minimum accepted interval. Zero means DefaultFloor.
	Floor time.Duration

	// TriggerFile is watched; touching it starts a pass. Empty disables
	// the trigger.
	TriggerFile string

	// ConfigFile is watched for interval changes. Empty disables the
	// watch.
	ConfigFile string

	// ReloadInterval returns the currently configured interval. Called
	// when ConfigFile changes.
	ReloadInterval func() (time.Duration, error)

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: time.Minute,
		Logger:   log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon schedules sync passes.
type Daemon struct {
	syncer syncengine.Syncer
	config *Config

	watcher *fsnotify.Watcher
	trigger chan struct{}
	reload  chan time.Duration

	// lastSuccess is read and written only by the run loop.
	lastSuccess time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon driving the given syncer.
func New(syncer syncengine.Syncer, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.Floor <= 0 {
		config.Floor = DefaultFloor
	}
	if config.Interval < config.Floor {
		config.Interval = config.Floor
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer:  syncer,
		config:  config,
		watcher: watcher,
		trigger: make(chan struct{}, 1),
		reload:  make(chan time.Duration, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins scheduling. Blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting sync daemon")

	if err := d.addWatches(); err != nil {
		return err
	}

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.runLoop()

	// Initial pass.
	d.requestPass()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

// addWatches registers the trigger and config file directories. The
// directories are watched (not the files) so recreation after deletion
// is still seen.
func (d *Daemon) addWatches() error {
	for _, file := range []string{d.config.TriggerFile, d.config.ConfigFile} {
		if file == "" {
			continue
		}
		dir := filepath.Dir(file)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create watch directory: %w", err)
		}
		if err := d.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	return nil
}

// requestPass queues a manual pass without blocking. A pass already
// queued absorbs the request.
func (d *Daemon) requestPass() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// watchFileEvents turns filesystem events into pass triggers and
// interval reloads.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) == 0 {
				continue
			}

			switch event.Name {
			case d.config.TriggerFile:
				d.config.Logger.Println("Trigger file touched, requesting pass")
				d.requestPass()

			case d.config.ConfigFile:
				d.reloadInterval()
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) reloadInterval() {
	if d.config.ReloadInterval == nil {
		return
	}
	interval, err := d.config.ReloadInterval()
	if err != nil {
		d.config.Logger.Printf("Warning: failed to reload config: %v", err)
		return
	}
	if interval < d.config.Floor {
		interval = d.config.Floor
	}
	select {
	case d.reload <- interval:
	default:
	}
}

// runLoop owns the timer and runs passes. The timer is re-armed after
// every pass, successful or not.
func (d *Daemon) runLoop() {
	defer d.wg.Done()

	interval := d.config.Interval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	rearm := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-d.trigger:
			d.runPass("manual")
			rearm()

		case <-timer.C:
			// Debounce: skip the tick when a recent pass already
			// covered this interval.
			if time.Since(d.lastSuccess) < interval {
				d.config.Logger.Println("Skipping timer pass, recent pass still fresh")
			} else {
				d.runPass("timer")
			}
			rearm()

		case newInterval := <-d.reload:
			if newInterval != interval {
				d.config.Logger.Printf("Sync interval changed: %s -> %s", interval, newInterval)
				interval = newInterval
				rearm()
			}
		}
	}
}

func (d *Daemon) runPass(reason string) {
	d.config.Logger.Printf("Starting %s sync pass", reason)

	if _, err := d.syncer.SyncNow(d.ctx); err != nil {
		if errors.Is(err, syncengine.ErrSyncInFlight) {
			d.config.Logger.Println("Pass already in flight, skipping")
			return
		}
		d.config.Logger.Printf("Warning: sync pass failed: %v", err)
		return
	}
	d.lastSuccess = time.Now()
}
