package syncbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"procflow/pkg/logging"
)

const (
	// eventsDirName is the sentinel directory inside the state dir.
	eventsDirName = "events"

	// DefaultSentinelTTL is how long a sentinel file stays on disk before
	// the publisher removes it. Long enough for peer watchers to observe
	// it, short enough to keep the directory clean.
	DefaultSentinelTTL = 1 * time.Second

	// DefaultPollInterval is the fallback polling cadence when fsnotify
	// is unavailable.
	DefaultPollInterval = 250 * time.Millisecond

	// dedupWindow bounds how long delivered event IDs are remembered.
	dedupWindow = 30 * time.Second

	// staleSentinelFactor bounds the deliverable age of a sentinel as a
	// multiple of the TTL. A publisher that exits before its scheduled
	// removal fires leaves the file behind; consumers must treat it as
	// expired rather than replay it. Must stay below dedupWindow/TTL so
	// a leftover sentinel is discarded before its dedup entry lapses.
	staleSentinelFactor = 10
)

// Config configures a Bus.
type Config struct {
	// StateDir is the shared per-user state directory. Sentinel files are
	// written under its events/ subdirectory.
	StateDir string

	// SentinelTTL overrides DefaultSentinelTTL.
	SentinelTTL time.Duration

	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration
}

// Bus delivers session events to in-process subscribers and to peer
// processes sharing the same state directory. In-process delivery is a
// direct fan-out; cross-process delivery rides short-lived sentinel files
// observed via fsnotify, with polling as a fallback.
//
// Each subscriber sees a physical event at most once: events read back
// from a sentinel written by this process are suppressed, and event IDs
// are remembered within a recency window.
type Bus struct {
	mu sync.Mutex

	eventsDir    string
	sentinelTTL  time.Duration
	pollInterval time.Duration
	pid          int

	subscribers map[int]Handler
	nextSubID   int

	// seen maps delivered event IDs to delivery time for dedup.
	seen map[string]time.Time

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool
}

// New creates a bus over the given state directory. Call Start to begin
// observing peer events.
func New(cfg Config) (*Bus, error) {
	if cfg.StateDir == "" {
		return nil, errors.New("syncbus state directory is required")
	}
	if cfg.SentinelTTL == 0 {
		cfg.SentinelTTL = DefaultSentinelTTL
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	eventsDir := filepath.Join(cfg.StateDir, eventsDirName)
	if err := os.MkdirAll(eventsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create events directory: %w", err)
	}

	return &Bus{
		eventsDir:    eventsDir,
		sentinelTTL:  cfg.SentinelTTL,
		pollInterval: cfg.PollInterval,
		pid:          os.Getpid(),
		subscribers:  make(map[int]Handler),
		seen:         make(map[string]time.Time),
	}, nil
}

// Subscribe registers a handler and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// Publish delivers an event to local subscribers and writes a sentinel
// file for peer processes. The sentinel is removed after the TTL elapses.
func (b *Bus) Publish(kind EventKind, payload map[string]string) error {
	event := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		Origin:    b.pid,
		Timestamp: time.Now(),
	}

	b.markSeen(event.ID)
	b.dispatch(event)

	if err := b.writeSentinel(event); err != nil {
		// Local subscribers already got the event; peers miss this one.
		logging.Warn("SyncBus", "Failed to write event sentinel: %v", err)
		return err
	}

	logging.Debug("SyncBus", "Published %s event %s", kind, event.ID)
	return nil
}

// Start begins observing sentinel files written by peer processes.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	b.stopCh = make(chan struct{})
	b.running = true

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("SyncBus", "fsnotify not available, falling back to polling: %v", err)
		go b.pollForSentinels()
		return nil
	}

	if err := watcher.Add(b.eventsDir); err != nil {
		logging.Warn("SyncBus", "Failed to watch %s, falling back to polling: %v", b.eventsDir, err)
		watcher.Close()
		go b.pollForSentinels()
		return nil
	}

	b.fsWatcher = watcher

	// Capture channels before releasing the lock to avoid racing Stop
	eventsCh := watcher.Events
	errorsCh := watcher.Errors

	go b.processWatchEvents(eventsCh, errorsCh)

	logging.Debug("SyncBus", "Watching %s for peer events", b.eventsDir)
	return nil
}

// Stop stops observing peer events. Pending sentinel removals still fire.
func (b *Bus) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}

	b.running = false
	close(b.stopCh)

	if b.fsWatcher != nil {
		if err := b.fsWatcher.Close(); err != nil {
			logging.Warn("SyncBus", "Error closing fsnotify watcher: %v", err)
		}
		b.fsWatcher = nil
	}

	return nil
}

// processWatchEvents consumes fsnotify events until the bus stops.
func (b *Bus) processWatchEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-b.stopCh:
			return

		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			b.consumeSentinel(event.Name)

		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("SyncBus", err, "fsnotify error")
		}
	}
}

// pollForSentinels scans the events directory on a fixed cadence when
// fsnotify is unavailable.
func (b *Bus) pollForSentinels() {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return

		case <-ticker.C:
			entries, err := os.ReadDir(b.eventsDir)
			if err != nil {
				continue
			}
			for _, entry := range entries {
				if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
					continue
				}
				b.consumeSentinel(filepath.Join(b.eventsDir, entry.Name()))
			}
		}
	}
}

// consumeSentinel reads a sentinel file and dispatches the event it
// carries, unless this process published it or has already delivered it.
func (b *Bus) consumeSentinel(path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// Publisher may have removed the sentinel already.
		return
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		logging.Warn("SyncBus", "Malformed event sentinel %s: %v", filepath.Base(path), err)
		return
	}

	if time.Since(event.Timestamp) > staleSentinelFactor*b.sentinelTTL {
		// The publisher exited before its TTL removal fired. The event
		// is past its delivery window: clean it up, never dispatch it.
		if os.Remove(path) == nil {
			logging.Debug("SyncBus", "Removed stale sentinel %s", filepath.Base(path))
		}
		return
	}

	if event.Origin == b.pid {
		return
	}
	if !b.markSeen(event.ID) {
		return
	}

	logging.Debug("SyncBus", "Received %s event %s from pid %d", event.Kind, event.ID, event.Origin)
	b.dispatch(event)
}

// markSeen records an event ID. It returns false if the ID was already
// delivered within the recency window.
func (b *Bus) markSeen(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if t, ok := b.seen[id]; ok && now.Sub(t) < dedupWindow {
		return false
	}
	b.seen[id] = now

	// Drop expired entries to keep the map bounded.
	for k, t := range b.seen {
		if now.Sub(t) >= dedupWindow {
			delete(b.seen, k)
		}
	}
	return true
}

// dispatch fans the event out to all subscribers, each on its own
// goroutine so a slow handler cannot block the publisher.
func (b *Bus) dispatch(event Event) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("SyncBus", fmt.Errorf("%v", r), "Panic in event subscriber")
				}
			}()
			h(event)
		}(h)
	}
}

// writeSentinel atomically writes the event file and schedules its removal
// after the TTL.
func (b *Bus) writeSentinel(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	finalPath := filepath.Join(b.eventsDir, event.ID+".json")
	tmpPath := finalPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return err
	}

	time.AfterFunc(b.sentinelTTL, func() {
		os.Remove(finalPath)
	})
	return nil
}
