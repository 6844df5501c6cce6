package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/modeltest/reviewboard/internal/annotation"
	"github.com/modeltest/reviewboard/internal/daemon"
	"github.com/modeltest/reviewboard/internal/hub"
	"github.com/modeltest/reviewboard/internal/notify"
	"github.com/modeltest/reviewboard/internal/watcher"
)

func testLogger(prefix string) *log.Logger {
	return log.New(os.Stderr, prefix, log.LstdFlags)
}

func startDaemon(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	d := daemon.New(&daemon.Config{
		Addr:       "127.0.0.1:0",
		ReportsDir: filepath.Join(base, "reports"),
		ChecksDir:  filepath.Join(base, "checks"),
		Logger:     testLogger("[daemon-test] "),
	})
	if err := d.Start(); err != nil {
		t.Fatalf("daemon Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })
	return "http://" + d.Addr()
}

func newTestEngine(t *testing.T, baseURL, clientID string) *Engine {
	t.Helper()
	e, err := NewEngine(&Config{
		BaseURL:        baseURL,
		ClientID:       clientID,
		PollInterval:   20 * time.Millisecond,
		ReconnectDelay: 200 * time.Millisecond,
		Logger:         testLogger("[engine-test] "),
	})
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return e
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestStateString verifies the connection state names.
func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateConnecting: "connecting",
		StateLive:       "live",
		StateDegraded:   "degraded",
		State(99):       "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

// TestCompareSlots_AssignOrder verifies the fill order: left, then
// right, then overwrite left.
func TestCompareSlots_AssignOrder(t *testing.T) {
	var c CompareSlots

	c.Assign("f1.md", watcher.KindReports)
	if c.Left.FileID != "f1.md" || c.Right.FileID != "" {
		t.Fatalf("after first assign: %+v", c)
	}

	c.Assign("f2.md", watcher.KindChecks)
	if c.Left.FileID != "f1.md" || c.Right.FileID != "f2.md" {
		t.Fatalf("after second assign: %+v", c)
	}
	if c.Right.Kind != watcher.KindChecks {
		t.Errorf("right slot kind = %q, want %q", c.Right.Kind, watcher.KindChecks)
	}

	c.Assign("f3.md", watcher.KindReports)
	if c.Left.FileID != "f3.md" || c.Right.FileID != "f2.md" {
		t.Fatalf("after third assign: %+v", c)
	}

	c.Clear()
	if c.Left.FileID != "" || c.Right.FileID != "" {
		t.Errorf("Clear() left %+v", c)
	}
}

// TestEngine_SelfEchoSuppression verifies that a tab's own save
// produces no local notification while other tabs are notified and
// re-fetch the authoritative record.
func TestEngine_SelfEchoSuppression(t *testing.T) {
	baseURL := startDaemon(t)
	ctx := context.Background()

	author := newTestEngine(t, baseURL, "tab-author")
	observer := newTestEngine(t, baseURL, "tab-observer")
	author.Start()
	observer.Start()
	defer author.Stop()
	defer observer.Stop()

	waitFor(t, "author live", func() bool { return author.State() == StateLive })
	waitFor(t, "observer live", func() bool { return observer.State() == StateLive })

	if err := author.SelectFile(ctx, "report-1.md", watcher.KindReports); err != nil {
		t.Fatalf("SelectFile() failed: %v", err)
	}
	if err := observer.SelectFile(ctx, "report-1.md", watcher.KindReports); err != nil {
		t.Fatalf("SelectFile() failed: %v", err)
	}

	if _, err := author.Save(ctx, "deadlock in pool", ""); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	waitFor(t, "observer notification", func() bool { return len(observer.Notifications()) == 1 })

	note := observer.Notifications()[0]
	if note.SenderID != "tab-author" {
		t.Errorf("notification sender = %q, want tab-author", note.SenderID)
	}
	if note.Section != annotation.SectionDiagnosis {
		t.Errorf("notification section = %q, want %q", note.Section, annotation.SectionDiagnosis)
	}

	waitFor(t, "observer re-fetch", func() bool {
		return observer.Annotation().ModelDiagnosis == "deadlock in pool"
	})

	// Give the author's stream time to deliver the echo, then confirm
	// it was discarded.
	time.Sleep(200 * time.Millisecond)
	if n := len(author.Notifications()); n != 0 {
		t.Errorf("author has %d notifications from its own save, want 0", n)
	}
	if got := author.Annotation().ModelDiagnosis; got != "deadlock in pool" {
		t.Errorf("author local record = %q", got)
	}
}

// TestEngine_DegradedPolling verifies that with the push stream down
// the engine polls the selected file and synthesizes a local
// notification for the change it finds.
func TestEngine_DegradedPolling(t *testing.T) {
	var mu sync.Mutex
	record := annotation.Record{FileID: "report-1.md"}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stream unavailable", http.StatusInternalServerError)
	})
	mux.HandleFunc("/annotations/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(record)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	e := newTestEngine(t, server.URL, "tab-a")
	if err := e.SelectFile(context.Background(), "report-1.md", watcher.KindReports); err != nil {
		t.Fatalf("SelectFile() failed: %v", err)
	}

	e.Start()
	defer e.Stop()

	waitFor(t, "degraded state", func() bool { return e.State() == StateDegraded })

	mu.Lock()
	record.RepairSuggestion = "pin the fixture version"
	mu.Unlock()

	waitFor(t, "synthetic notification", func() bool { return len(e.Notifications()) > 0 })

	note := e.Notifications()[0]
	if note.ID != 0 {
		t.Errorf("synthetic notification id = %d, want 0", note.ID)
	}
	if note.Section != annotation.SectionSuggestion {
		t.Errorf("section = %q, want %q", note.Section, annotation.SectionSuggestion)
	}
	if want := "repair suggestion updated for report-1.md"; note.Message != want {
		t.Errorf("message = %q, want %q", note.Message, want)
	}

	waitFor(t, "record applied", func() bool {
		return e.Annotation().RepairSuggestion == "pin the fixture version"
	})
}

// TestEngine_DispatchSelfEcho verifies the sender-id filter directly.
func TestEngine_DispatchSelfEcho(t *testing.T) {
	e := newTestEngine(t, "http://127.0.0.1:1", "me")

	e.dispatch(hub.NewEvent(hub.EventDiagnosisUpdated, hub.DiagnosisUpdatedData{
		FileID:   "r.md",
		Section:  annotation.SectionBoth,
		SenderID: "me",
	}))
	if len(e.Notifications()) != 0 {
		t.Error("own echo produced a notification")
	}

	e.dispatch(hub.NewEvent(hub.EventDiagnosisUpdated, hub.DiagnosisUpdatedData{
		FileID:         "r.md",
		Section:        annotation.SectionBoth,
		SenderID:       "someone-else",
		NotificationID: 12,
		Message:        "annotations updated for r.md",
	}))
	notes := e.Notifications()
	if len(notes) != 1 || notes[0].ID != 12 {
		t.Fatalf("notifications = %+v, want one entry with id 12", notes)
	}
}

// TestEngine_NotificationCap verifies local FIFO eviction at the cap.
func TestEngine_NotificationCap(t *testing.T) {
	e := newTestEngine(t, "http://127.0.0.1:1", "me")

	for i := 1; i <= DefaultNotificationCap+10; i++ {
		e.addNotification(notify.Record{ID: int64(i), FileID: "r.md"})
	}

	notes := e.Notifications()
	if len(notes) != DefaultNotificationCap {
		t.Fatalf("len = %d, want %d", len(notes), DefaultNotificationCap)
	}
	if notes[0].ID != int64(DefaultNotificationCap+10) {
		t.Errorf("newest id = %d, want %d", notes[0].ID, DefaultNotificationCap+10)
	}
	if notes[len(notes)-1].ID != 11 {
		t.Errorf("oldest id = %d, want 11 (1..10 evicted)", notes[len(notes)-1].ID)
	}
}

// TestEngine_RemoveNotificationAbsentOK verifies deleting an id that
// was already evicted locally is a no-op.
func TestEngine_RemoveNotificationAbsentOK(t *testing.T) {
	e := newTestEngine(t, "http://127.0.0.1:1", "me")
	e.addNotification(notify.Record{ID: 5})

	e.dispatch(hub.NewEvent(hub.EventNotificationDeleted, hub.NotificationDeletedData{ID: 999}))
	if len(e.Notifications()) != 1 {
		t.Error("unrelated delete removed a notification")
	}

	e.dispatch(hub.NewEvent(hub.EventNotificationDeleted, hub.NotificationDeletedData{ID: 5}))
	if len(e.Notifications()) != 0 {
		t.Error("delete event did not remove the notification")
	}
}

// TestEngine_CollectionRefreshSelection verifies the selection
// survives a re-list when its file is still present and is cleared
// when it is gone.
func TestEngine_CollectionRefreshSelection(t *testing.T) {
	var mu sync.Mutex
	listing := `[{"id":"a.md","displayName":"a","kind":"reports","format":"markdown"}]`

	mux := http.NewServeMux()
	mux.HandleFunc("/collections/reports", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, listing)
	})
	mux.HandleFunc("/annotations/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"fileId":"a.md","modelDiagnosis":"","repairSuggestion":""}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	e := newTestEngine(t, server.URL, "me")
	if err := e.SelectFile(context.Background(), "a.md", watcher.KindReports); err != nil {
		t.Fatalf("SelectFile() failed: %v", err)
	}

	e.refreshCollection(watcher.KindReports)
	if e.CurrentFile() != "a.md" {
		t.Errorf("selection lost while file still listed")
	}
	if got := e.Collection(watcher.KindReports); len(got) != 1 {
		t.Errorf("collection = %+v", got)
	}

	mu.Lock()
	listing = `[]`
	mu.Unlock()

	e.refreshCollection(watcher.KindReports)
	if e.CurrentFile() != "" {
		t.Errorf("selection = %q, want cleared after file vanished", e.CurrentFile())
	}
}

// TestEngine_Seed verifies seeding trims the server ledger to the
// local cap.
func TestEngine_Seed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
		records := make([]notify.Record, 0, DefaultNotificationCap+20)
		for i := DefaultNotificationCap + 20; i >= 1; i-- {
			records = append(records, notify.Record{ID: int64(i), FileID: "r.md"})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(records)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	e := newTestEngine(t, server.URL, "me")
	if err := e.Seed(context.Background()); err != nil {
		t.Fatalf("Seed() failed: %v", err)
	}

	notes := e.Notifications()
	if len(notes) != DefaultNotificationCap {
		t.Fatalf("seeded %d notifications, want %d", len(notes), DefaultNotificationCap)
	}
	if notes[0].ID != int64(DefaultNotificationCap+20) {
		t.Errorf("newest seeded id = %d", notes[0].ID)
	}
}

// TestEngine_CompareModeSelection verifies selections fill compare
// slots while compare mode is on.
func TestEngine_CompareModeSelection(t *testing.T) {
	baseURL := startDaemon(t)
	ctx := context.Background()

	e := newTestEngine(t, baseURL, "me")
	e.SetCompareMode(true)

	for _, id := range []string{"f1.md", "f2.md", "f3.md"} {
		if err := e.SelectFile(ctx, id, watcher.KindReports); err != nil {
			t.Fatalf("SelectFile(%s) failed: %v", id, err)
		}
	}

	slots := e.Compare()
	if slots.Left.FileID != "f3.md" || slots.Right.FileID != "f2.md" {
		t.Errorf("slots = %+v, want left f3.md right f2.md", slots)
	}

	e.SetCompareMode(false)
	if slots = e.Compare(); slots.Left.FileID != "" || slots.Right.FileID != "" {
		t.Errorf("slots not cleared on leaving compare mode: %+v", slots)
	}
}
