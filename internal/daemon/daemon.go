// Package daemon assembles and runs the review board server: the
// annotation store, the notification ledger, the broadcast hub, the
// collection watchers, and the HTTP API, started and stopped as one
// unit.
package daemon

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/modeltest/reviewboard/internal/annotation"
	"github.com/modeltest/reviewboard/internal/httpapi"
	"github.com/modeltest/reviewboard/internal/hub"
	"github.com/modeltest/reviewboard/internal/library"
	"github.com/modeltest/reviewboard/internal/notify"
	"github.com/modeltest/reviewboard/internal/watcher"
)

// shutdownTimeout bounds graceful HTTP shutdown on Stop.
const shutdownTimeout = 5 * time.Second

// Config holds daemon configuration.
type Config struct {
	// Addr is the listen address (default: 127.0.0.1:8720). Use port 0
	// to let the kernel pick; Addr() reports the bound address.
	Addr string

	// ReportsDir is the report collection directory (default: ./reports).
	ReportsDir string

	// ChecksDir is the check collection directory (default: ./checks).
	ChecksDir string

	// KeepAliveInterval is passed through to the hub.
	KeepAliveInterval time.Duration

	// Logger for daemon activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:              "127.0.0.1:8720",
		ReportsDir:        "reports",
		ChecksDir:         "checks",
		KeepAliveInterval: hub.DefaultKeepAliveInterval,
		Logger:            log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon is the running review board server.
type Daemon struct {
	cfg *Config

	store    *annotation.Store
	ledger   *notify.Ledger
	hub      *hub.Hub
	library  *library.Library
	watchers []watcher.DirectoryWatcher

	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a daemon from the config. Nil configs and zero fields
// fall back to defaults.
func New(cfg *Config) *Daemon {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReportsDir == "" {
		cfg.ReportsDir = def.ReportsDir
	}
	if cfg.ChecksDir == "" {
		cfg.ChecksDir = def.ChecksDir
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = def.KeepAliveInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	return &Daemon{
		cfg:     cfg,
		store:   annotation.NewStore(),
		ledger:  notify.NewLedger(),
		library: library.New(cfg.ReportsDir, cfg.ChecksDir),
	}
}

// Start brings up the hub, both collection watchers, and the HTTP
// listener. It returns once the listener is accepting; serving
// continues in the background until Stop.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	d.hub = hub.New(&hub.Config{
		KeepAliveInterval: d.cfg.KeepAliveInterval,
		Logger:            d.cfg.Logger,
	})

	for _, spec := range []struct {
		dir  string
		kind watcher.Kind
	}{
		{d.cfg.ReportsDir, watcher.KindReports},
		{d.cfg.ChecksDir, watcher.KindChecks},
	} {
		w, err := watcher.New(spec.dir, spec.kind, d.cfg.Logger)
		if err != nil {
			d.teardown()
			return fmt.Errorf("failed to watch %s: %w", spec.kind, err)
		}
		d.watchers = append(d.watchers, w)
		d.wg.Add(1)
		go d.forwardChanges(w)
	}

	listener, err := net.Listen("tcp", d.cfg.Addr)
	if err != nil {
		d.teardown()
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Addr, err)
	}
	d.listener = listener

	handler := httpapi.NewServer(d.store, d.ledger, d.hub, d.library, d.cfg.Logger)
	d.server = &http.Server{Handler: handler}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			d.cfg.Logger.Printf("HTTP server error: %v", err)
		}
	}()

	d.cfg.Logger.Printf("Review board listening on %s (reports=%s checks=%s)",
		listener.Addr(), d.cfg.ReportsDir, d.cfg.ChecksDir)
	return nil
}

// forwardChanges turns one watcher's membership changes into broadcast
// events. Watch errors degrade the stream and are logged, never fatal.
func (d *Daemon) forwardChanges(w watcher.DirectoryWatcher) {
	defer d.wg.Done()

	changes := w.Changes()
	errs := w.Errors()
	for changes != nil || errs != nil {
		select {
		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			d.hub.Broadcast(hub.NewEvent(
				hub.CollectionEventType(change.Kind),
				hub.CollectionChangedData{
					Filename:   change.Filename,
					ChangeType: change.Type,
				},
			))
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			d.cfg.Logger.Printf("Watch error: %v", err)
		}
	}
}

// Addr returns the bound listen address, or empty before Start.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Stop shuts everything down: watchers first so no further events
// enter the hub, then the hub so parked stream handlers unwind, then
// the HTTP server. Safe to call once after a successful Start;
// repeated calls are no-ops.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	// Closing the hub closes every transport, which is what lets the
	// event-stream handlers return; Shutdown would otherwise wait on
	// them until its deadline.
	d.teardown()

	var shutdownErr error
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("failed to shut down HTTP server: %w", err)
		}
	}

	d.wg.Wait()
	d.cfg.Logger.Println("Daemon stopped")
	return shutdownErr
}

// teardown stops watchers and the hub. Called from Stop and from Start
// failure paths.
func (d *Daemon) teardown() {
	for _, w := range d.watchers {
		if err := w.Stop(); err != nil {
			d.cfg.Logger.Printf("Watcher stop: %v", err)
		}
	}
	d.watchers = nil
	if d.hub != nil {
		d.hub.Close()
	}
}
