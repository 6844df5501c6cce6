package watcher

import (
	"log"
	"os"
	"sync"
	"time"
)

// defaultPollInterval is how often the fallback watcher relists its
// directory.
const defaultPollInterval = 2 * time.Second

// pollWatcher is the degraded-mode implementation: a periodic
// directory listing diff. Renames surface as a removed/added pair
// because a listing diff cannot correlate the two names.
type pollWatcher struct {
	dir      string
	kind     Kind
	interval time.Duration
	changes  chan Change
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	logger   *log.Logger

	stopOnce sync.Once
}

func newPollWatcher(dir string, kind Kind, interval time.Duration, logger *log.Logger) *pollWatcher {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	pw := &pollWatcher{
		dir:      dir,
		kind:     kind,
		interval: interval,
		changes:  make(chan Change, 64),
		errors:   make(chan error, 8),
		done:     make(chan struct{}),
		logger:   logger,
	}
	pw.wg.Add(1)
	go pw.loop()
	return pw
}

func (pw *pollWatcher) Changes() <-chan Change { return pw.changes }
func (pw *pollWatcher) Errors() <-chan error   { return pw.errors }

func (pw *pollWatcher) Stop() error {
	pw.stopOnce.Do(func() {
		close(pw.done)
		pw.wg.Wait()
		close(pw.changes)
		close(pw.errors)
	})
	return nil
}

func (pw *pollWatcher) loop() {
	defer pw.wg.Done()

	known := pw.list()
	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pw.done:
			return
		case <-ticker.C:
			current := pw.list()
			for name := range current {
				if !known[name] {
					if !pw.emit(Change{Kind: pw.kind, Filename: name, Type: ChangeAdded}) {
						return
					}
				}
			}
			for name := range known {
				if !current[name] {
					if !pw.emit(Change{Kind: pw.kind, Filename: name, Type: ChangeRemoved}) {
						return
					}
				}
			}
			known = current
		}
	}
}

// list returns the recognized members of the directory. A directory
// that is missing or unreadable reads as empty until it is available
// again.
func (pw *pollWatcher) list() map[string]bool {
	members := make(map[string]bool)
	entries, err := os.ReadDir(pw.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			pw.logger.Printf("Poll of %s failed: %v", pw.dir, err)
		}
		return members
	}
	for _, entry := range entries {
		if entry.IsDir() || !RecognizedExtension(entry.Name()) {
			continue
		}
		members[entry.Name()] = true
	}
	return members
}

func (pw *pollWatcher) emit(change Change) bool {
	select {
	case pw.changes <- change:
		return true
	case <-pw.done:
		return false
	}
}
