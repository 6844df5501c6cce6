// Package watcher observes the report and check collections for
// membership changes.
//
// A collection is a flat directory of markdown (.md) and markup
// (.html) files owned by whoever writes them there; the watcher only
// observes. Changes are delivered on a channel as Change values. The
// primary implementation uses fsnotify; when the native mechanism is
// unavailable the package degrades to a polling directory diff rather
// than failing to start.
package watcher

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Kind names a monitored collection.
type Kind string

const (
	// KindReports is the generated test report collection.
	KindReports Kind = "reports"
	// KindChecks is the pre-written check document collection.
	KindChecks Kind = "checks"
)

// ChangeType describes what happened to a collection member.
type ChangeType string

const (
	// ChangeAdded indicates a recognized file appeared.
	ChangeAdded ChangeType = "added"
	// ChangeRemoved indicates a recognized file disappeared.
	ChangeRemoved ChangeType = "removed"
	// ChangeRenamed indicates a recognized file was renamed away; the
	// new name arrives as a separate ChangeAdded.
	ChangeRenamed ChangeType = "renamed"
)

// Change is one qualifying collection membership change.
type Change struct {
	Kind     Kind
	Filename string
	Type     ChangeType
}

// RecognizedExtension reports whether name carries a watched
// extension. Events for anything else, including events with no
// filename at all, are ignored entirely.
func RecognizedExtension(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".html":
		return true
	}
	return false
}

// DirectoryWatcher is the capability the rest of the system depends
// on: a stream of membership changes for one collection, stoppable
// exactly once.
type DirectoryWatcher interface {
	// Changes emits qualifying membership changes. The channel is
	// closed when the watcher stops.
	Changes() <-chan Change

	// Errors emits non-fatal watch errors. The channel is closed when
	// the watcher stops.
	Errors() <-chan error

	// Stop shuts the watcher down. Closing the underlying listener is
	// best effort; the returned error is informational and must not
	// block shutdown.
	Stop() error
}

// New watches dir as the given collection kind. A missing directory is
// created first, since absence is not an error for this system. When
// the native notification mechanism cannot be set up the returned
// watcher is a polling fallback; that is a degraded mode, not a
// failure.
func New(dir string, kind Kind, logger *log.Logger) (DirectoryWatcher, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s directory %s: %w", kind, dir, err)
	}

	fw, err := newFSWatcher(dir, kind, logger)
	if err != nil {
		logger.Printf("Native watch unavailable for %s (%v), falling back to polling", dir, err)
		return newPollWatcher(dir, kind, defaultPollInterval, logger), nil
	}
	return fw, nil
}

// fsWatcher is the fsnotify-backed implementation.
type fsWatcher struct {
	watcher *fsnotify.Watcher
	kind    Kind
	changes chan Change
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *log.Logger

	stopOnce sync.Once
	stopErr  error
}

func newFSWatcher(dir string, kind Kind, logger *log.Logger) (*fsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s directory %s: %w", kind, dir, err)
	}

	fw := &fsWatcher{
		watcher: watcher,
		kind:    kind,
		changes: make(chan Change, 64),
		errors:  make(chan error, 8),
		done:    make(chan struct{}),
		logger:  logger,
	}
	fw.wg.Add(1)
	go fw.processEvents()
	return fw, nil
}

func (fw *fsWatcher) Changes() <-chan Change { return fw.changes }
func (fw *fsWatcher) Errors() <-chan error   { return fw.errors }

// Stop closes the native listener and drains the event loop. Cleanup
// runs exactly once; repeated calls return the first result.
func (fw *fsWatcher) Stop() error {
	fw.stopOnce.Do(func() {
		close(fw.done)
		if err := fw.watcher.Close(); err != nil {
			fw.stopErr = fmt.Errorf("failed to close watcher: %w", err)
		}
		fw.wg.Wait()
		close(fw.changes)
		close(fw.errors)
	})
	return fw.stopErr
}

// processEvents converts fsnotify events into Changes until stopped.
func (fw *fsWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			change, ok := fw.convertEvent(event)
			if !ok {
				continue
			}
			select {
			case fw.changes <- change:
			case <-fw.done:
				return
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a Change. Only membership
// changes of recognized files qualify: content writes and chmods are
// not list changes and are dropped here.
func (fw *fsWatcher) convertEvent(event fsnotify.Event) (Change, bool) {
	name := filepath.Base(event.Name)
	if name == "" || name == "." || !RecognizedExtension(name) {
		return Change{}, false
	}

	var changeType ChangeType
	switch {
	case event.Has(fsnotify.Create):
		changeType = ChangeAdded
	case event.Has(fsnotify.Remove):
		changeType = ChangeRemoved
	case event.Has(fsnotify.Rename):
		changeType = ChangeRenamed
	default:
		return Change{}, false
	}

	return Change{Kind: fw.kind, Filename: name, Type: changeType}, true
}
