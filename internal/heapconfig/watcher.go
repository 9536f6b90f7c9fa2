package heapconfig

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads a tunables file on every write and republishes a new
// Config snapshot to subscribers. It only ever changes the subset of fields
// the facade can safely pick up without a restart (§6 lists gc-type and the
// pool/region/TLAB sizes as startup-time; those are rejected here even if
// present in the file).
//
// The file format is deliberately not JSON: spec.md §1 places "JSON/options
// parsing" among the out-of-scope collaborator concerns, so the on-disk
// format the core itself understands is the simplest one that isn't that:
// one "key=value" tunable per line.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher

	mu      sync.RWMutex
	current *Config

	closed atomic.Bool
	subs   []chan *Config
}

// tunableFields are the only keys Watch will ever apply post-startup.
var tunableFields = map[string]bool{
	"track-tlab-allocations": true,
	"enable-leak-check":      true,
	"enable-debug":           true,
	"memory-limit":           true,
}

// Watch starts watching path for changes, seeding the initial snapshot from
// base. The returned Watcher must be closed with Close.
func Watch(path string, base *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("heapconfig: create watcher: %w", err)
	}

	if err := fsw.Add(path); err != nil {
		fsw.Close()

		return nil, fmt.Errorf("heapconfig: watch %s: %w", path, err)
	}

	w := &Watcher{path: path, fsw: fsw, current: base.Clone()}

	if applied, err := w.reload(); err != nil {
		fsw.Close()

		return nil, err
	} else if applied != nil {
		w.current = applied
	}

	go w.loop()

	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			cfg, err := w.reload()
			if err != nil || cfg == nil {
				continue
			}

			w.mu.Lock()
			w.current = cfg
			subs := append([]chan *Config(nil), w.subs...)
			w.mu.Unlock()

			for _, ch := range subs {
				select {
				case ch <- cfg.Clone():
				default:
				}
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// reload parses the tunables file and returns a copy of the current snapshot
// with the file's tunables and schema version applied; the copy is returned
// even when the file changes nothing.
func (w *Watcher) reload() (*Config, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	w.mu.RLock()
	next := w.current.Clone()
	w.mu.RUnlock()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key, val = strings.TrimSpace(key), strings.TrimSpace(val)

		if key == "schema-version" {
			if err := CheckSchemaVersion(val); err != nil {
				return nil, err
			}

			next.SchemaVersion = val

			continue
		}

		if !tunableFields[key] {
			// Structural fields are only honored at construction time.
			continue
		}

		switch key {
		case "track-tlab-allocations":
			next.TrackTLABAllocations = val == "true"
		case "enable-leak-check":
			next.EnableLeakCheck = val == "true"
		case "enable-debug":
			next.EnableDebug = val == "true"
		case "memory-limit":
			n, err := strconv.ParseUint(val, 10, 64)
			if err == nil {
				next.MemoryLimit = uintptr(n)
			}
		}
	}

	return next, scanner.Err()
}

// Current returns the most recently applied snapshot.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.current.Clone()
}

// Subscribe returns a channel that receives every applied Config update.
// The channel is buffered by 1 and drops updates the subscriber is too slow
// to consume, matching the teacher's non-blocking dispatch elsewhere.
func (w *Watcher) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)

	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()

	return ch
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}

	return w.fsw.Close()
}
