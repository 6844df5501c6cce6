package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modeltest/reviewboard/internal/annotation"
	"github.com/modeltest/reviewboard/internal/hub"
	"github.com/modeltest/reviewboard/internal/library"
	"github.com/modeltest/reviewboard/internal/notify"
	"github.com/modeltest/reviewboard/internal/watcher"
)

// State is the engine's connection state.
type State int

const (
	// StateConnecting means the push stream is being established.
	StateConnecting State = iota
	// StateLive means events arrive over the push stream.
	StateLive
	// StateDegraded means the push stream is down and the engine falls
	// back to polling the selected file.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

const (
	// DefaultPollInterval is the degraded-mode poll cadence.
	DefaultPollInterval = 3 * time.Second
	// DefaultReconnectDelay is how long the engine stays degraded
	// before retrying the push stream.
	DefaultReconnectDelay = 5 * time.Second
	// DefaultNotificationCap bounds the tab-local notification list.
	DefaultNotificationCap = 50
)

// Config holds engine configuration.
type Config struct {
	// BaseURL of the review board server (required).
	BaseURL string

	// ClientID tags this tab's saves so its own echoes can be
	// discarded (default: random UUID).
	ClientID string

	// PollInterval is the degraded-mode poll cadence (default: 3s).
	PollInterval time.Duration

	// ReconnectDelay is the wait before retrying the push stream
	// (default: 5s).
	ReconnectDelay time.Duration

	// NotificationCap bounds the local notification list (default: 50).
	NotificationCap int

	// HTTPClient used for all requests (default: http.DefaultClient).
	HTTPClient *http.Client

	// Logger for engine activity (default: stderr logger).
	Logger *log.Logger
}

// Slot is one side of the compare view.
type Slot struct {
	FileID string
	Kind   watcher.Kind
}

// CompareSlots tracks the two compare-view positions. Selections fill
// the left slot, then the right, then overwrite the left.
type CompareSlots struct {
	Left  Slot
	Right Slot
}

// Assign places a selection into a slot.
func (c *CompareSlots) Assign(fileID string, kind watcher.Kind) {
	s := Slot{FileID: fileID, Kind: kind}
	switch {
	case c.Left.FileID == "":
		c.Left = s
	case c.Right.FileID == "":
		c.Right = s
	default:
		c.Left = s
	}
}

// Clear empties both slots.
func (c *CompareSlots) Clear() {
	*c = CompareSlots{}
}

// Engine keeps one tab's local view converged with the server. It
// prefers the push stream and degrades to polling the selected file
// when the stream is down; either way the server copy stays
// authoritative.
type Engine struct {
	cfg *Config
	api *API

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	state         State
	sessionID     string
	currentFile   string
	currentKind   watcher.Kind
	lastKnown     annotation.Record
	notifications []notify.Record // newest first
	collections   map[watcher.Kind][]library.FileEntry
	compareMode   bool
	compare       CompareSlots
}

// NewEngine creates an engine. Call Start to begin reconciling and
// Stop to tear it down.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("engine requires a base URL")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.NotificationCap <= 0 {
		cfg.NotificationCap = DefaultNotificationCap
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:         cfg,
		api:         NewAPI(cfg.BaseURL, cfg.ClientID, cfg.HTTPClient),
		ctx:         ctx,
		cancel:      cancel,
		state:       StateConnecting,
		collections: make(map[watcher.Kind][]library.FileEntry),
	}, nil
}

// ClientID returns the opaque token tagging this engine's saves.
func (e *Engine) ClientID() string { return e.cfg.ClientID }

// Start launches the reconciliation loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop tears the engine down and waits for the loop to exit.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// run cycles Connecting -> Live until the stream drops, then Degraded
// with polling until the reconnect delay elapses, then Connecting
// again. Only Stop exits the cycle.
func (e *Engine) run() {
	defer e.wg.Done()

	for {
		if e.ctx.Err() != nil {
			return
		}
		e.setState(StateConnecting)

		stream, err := e.api.OpenEvents(e.ctx)
		if err != nil {
			e.cfg.Logger.Printf("Event stream connect failed: %v", err)
			if !e.degradedWait() {
				return
			}
			continue
		}

		e.setState(StateLive)
		e.consume(stream)
		_ = stream.Close()

		if e.ctx.Err() != nil {
			return
		}
		e.cfg.Logger.Printf("Event stream lost, entering degraded mode")
		if !e.degradedWait() {
			return
		}
	}
}

// consume dispatches stream events until the stream ends or the
// engine stops.
func (e *Engine) consume(stream *EventStream) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case event, ok := <-stream.Events():
			if !ok {
				return
			}
			e.dispatch(event)
		}
	}
}

// degradedWait polls the selected file while the reconnect delay runs
// down. Returns false when the engine is stopping.
func (e *Engine) degradedWait() bool {
	e.setState(StateDegraded)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	retry := time.NewTimer(e.cfg.ReconnectDelay)
	defer retry.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return false
		case <-ticker.C:
			e.pollOnce()
		case <-retry.C:
			return true
		}
	}
}

// pollOnce fetches the selected file's annotation record and, when it
// differs from the last known copy, applies it and synthesizes the
// notification the lost push event would have carried. Synthetic
// entries use id 0: they exist only in this tab and cannot be deleted
// on the server.
func (e *Engine) pollOnce() {
	e.mu.Lock()
	fileID := e.currentFile
	prev := e.lastKnown
	e.mu.Unlock()
	if fileID == "" {
		return
	}

	rec, err := e.api.GetAnnotation(e.ctx, fileID)
	if err != nil {
		e.cfg.Logger.Printf("Degraded poll failed for %s: %v", fileID, err)
		return
	}
	if rec.Equal(prev) {
		return
	}

	section := annotation.DiffSection(prev, rec)
	e.mu.Lock()
	if e.currentFile == fileID {
		e.lastKnown = rec
	}
	e.mu.Unlock()

	e.addNotification(notify.Record{
		ID:        0,
		FileID:    fileID,
		Section:   section,
		Message:   notify.FormatMessage(fileID, section),
		Timestamp: time.Now(),
	})
}

// dispatch applies one push event to the local view.
func (e *Engine) dispatch(event hub.Event) {
	switch event.Type {
	case hub.EventConnected:
		var data hub.ConnectedData
		if decode(event, &data) {
			e.mu.Lock()
			e.sessionID = data.SessionID
			e.mu.Unlock()
		}

	case hub.EventDiagnosisUpdated:
		var data hub.DiagnosisUpdatedData
		if !decode(event, &data) {
			return
		}
		// This tab's own save coming back; the local view already has
		// it, and a "someone changed this" notice would be wrong.
		if data.SenderID == e.cfg.ClientID {
			return
		}
		e.addNotification(notify.Record{
			ID:        data.NotificationID,
			FileID:    data.FileID,
			Section:   data.Section,
			Message:   data.Message,
			SenderID:  data.SenderID,
			Timestamp: event.Timestamp,
		})
		e.refreshIfCurrent(data.FileID)

	case hub.EventReportsChanged:
		e.refreshCollection(watcher.KindReports)

	case hub.EventChecksChanged:
		e.refreshCollection(watcher.KindChecks)

	case hub.EventNotificationDeleted:
		var data hub.NotificationDeletedData
		if decode(event, &data) {
			e.removeNotification(data.ID)
		}
	}
}

func decode(event hub.Event, dst any) bool {
	if len(event.Data) == 0 {
		return false
	}
	return json.Unmarshal(event.Data, dst) == nil
}

// refreshIfCurrent re-fetches the annotation record when the updated
// file is the one on screen. The server copy replaces the local one
// wholesale.
func (e *Engine) refreshIfCurrent(fileID string) {
	e.mu.Lock()
	current := e.currentFile
	e.mu.Unlock()
	if current != fileID {
		return
	}

	rec, err := e.api.GetAnnotation(e.ctx, fileID)
	if err != nil {
		e.cfg.Logger.Printf("Failed to re-fetch annotation for %s: %v", fileID, err)
		return
	}
	e.mu.Lock()
	if e.currentFile == fileID {
		e.lastKnown = rec
	}
	e.mu.Unlock()
}

// refreshCollection re-lists one collection. The selection survives
// when its file is still listed and is cleared when it is gone.
func (e *Engine) refreshCollection(kind watcher.Kind) {
	entries, err := e.api.ListCollection(e.ctx, kind)
	if err != nil {
		e.cfg.Logger.Printf("Failed to refresh %s collection: %v", kind, err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.collections[kind] = entries

	if e.currentKind != kind || e.currentFile == "" {
		return
	}
	for _, entry := range entries {
		if entry.ID == e.currentFile {
			return
		}
	}
	e.currentFile = ""
	e.lastKnown = annotation.Record{}
}

// addNotification prepends to the local list, evicting the oldest
// entry past the cap.
func (e *Engine) addNotification(rec notify.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.notifications = append([]notify.Record{rec}, e.notifications...)
	if len(e.notifications) > e.cfg.NotificationCap {
		e.notifications = e.notifications[:e.cfg.NotificationCap]
	}
}

func (e *Engine) removeNotification(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, rec := range e.notifications {
		if rec.ID == id {
			e.notifications = append(e.notifications[:i], e.notifications[i+1:]...)
			return
		}
	}
	// Already evicted locally; nothing to do.
}

// Seed primes the local notification list from the server ledger,
// trimmed to the local cap.
func (e *Engine) Seed(ctx context.Context) error {
	records, err := e.api.ListNotifications(ctx)
	if err != nil {
		return err
	}
	if len(records) > e.cfg.NotificationCap {
		records = records[:e.cfg.NotificationCap]
	}
	e.mu.Lock()
	e.notifications = records
	e.mu.Unlock()
	return nil
}

// SelectFile makes fileID the tab's open file and loads its
// authoritative annotation record. In compare mode the selection also
// fills a compare slot.
func (e *Engine) SelectFile(ctx context.Context, fileID string, kind watcher.Kind) error {
	rec, err := e.api.GetAnnotation(ctx, fileID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentFile = fileID
	e.currentKind = kind
	e.lastKnown = rec
	if e.compareMode {
		e.compare.Assign(fileID, kind)
	}
	return nil
}

// Save writes both annotation fields for the open file. On success the
// local copy is updated immediately; the echoed push event is then
// discarded by sender id.
func (e *Engine) Save(ctx context.Context, modelDiagnosis, repairSuggestion string) (SaveResult, error) {
	e.mu.Lock()
	fileID := e.currentFile
	e.mu.Unlock()
	if fileID == "" {
		return SaveResult{}, fmt.Errorf("no file selected")
	}

	rec := annotation.Record{
		FileID:           fileID,
		ModelDiagnosis:   modelDiagnosis,
		RepairSuggestion: repairSuggestion,
	}
	result, err := e.api.SaveAnnotation(ctx, rec)
	if err != nil {
		return SaveResult{}, err
	}

	e.mu.Lock()
	if e.currentFile == fileID {
		e.lastKnown = rec
	}
	e.mu.Unlock()
	return result, nil
}

// DeleteNotification removes a notification everywhere. Synthetic
// entries (id 0) exist only locally; for ledger entries a 404 means
// another tab got there first, which still counts as deleted.
func (e *Engine) DeleteNotification(ctx context.Context, id int64) error {
	if id != 0 {
		if err := e.api.DeleteNotification(ctx, id); err != nil && !IsNotFound(err) {
			return err
		}
	}
	e.removeNotification(id)
	return nil
}

// SetCompareMode toggles the compare view. Leaving compare mode clears
// both slots.
func (e *Engine) SetCompareMode(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compareMode = enabled
	if !enabled {
		e.compare.Clear()
	}
}

// State returns the current connection state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.cfg.Logger.Printf("Connection state: %s -> %s", prev, s)
	}
}

// SessionID returns the server-assigned session id, empty until the
// first Connected event.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// CurrentFile returns the open file id, empty when nothing is open.
func (e *Engine) CurrentFile() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentFile
}

// Annotation returns the last known annotation record for the open
// file.
func (e *Engine) Annotation() annotation.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastKnown
}

// Notifications returns a copy of the local notification list, newest
// first.
func (e *Engine) Notifications() []notify.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]notify.Record, len(e.notifications))
	copy(out, e.notifications)
	return out
}

// Collection returns the last fetched listing for one collection.
func (e *Engine) Collection(kind watcher.Kind) []library.FileEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.collections[kind]
	out := make([]library.FileEntry, len(entries))
	copy(out, entries)
	return out
}

// Compare returns the current compare slots.
func (e *Engine) Compare() CompareSlots {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compare
}
