package library

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modeltest/reviewboard/internal/watcher"
)

func newTestLibrary(t *testing.T) (*Library, string, string) {
	t.Helper()
	base := t.TempDir()
	reports := filepath.Join(base, "reports")
	checks := filepath.Join(base, "checks")
	for _, dir := range []string{reports, checks} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
	}
	return New(reports, checks), reports, checks
}

// TestLibrary_ListFiltersAndSorts verifies that listings contain only
// recognized files, ordered by id.
func TestLibrary_ListFiltersAndSorts(t *testing.T) {
	lib, reports, _ := newTestLibrary(t)

	for _, name := range []string{"b-report.md", "a-report.md", "notes.txt", "legacy.html"} {
		if err := os.WriteFile(filepath.Join(reports, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(reports, "sub.md"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	entries, err := lib.List(watcher.KindReports)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	want := []string{"a-report.md", "b-report.md", "legacy.html"}
	if len(ids) != len(want) {
		t.Fatalf("List() ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("List() ids = %v, want %v", ids, want)
		}
	}

	if entries[0].DisplayName != "a-report" {
		t.Errorf("DisplayName = %q, want a-report", entries[0].DisplayName)
	}
	if entries[2].Format != FormatMarkup {
		t.Errorf("legacy.html format = %q, want %q", entries[2].Format, FormatMarkup)
	}
}

// TestLibrary_ListMissingDirectory verifies that a missing collection
// directory lists as empty.
func TestLibrary_ListMissingDirectory(t *testing.T) {
	lib := New(filepath.Join(t.TempDir(), "nowhere"), filepath.Join(t.TempDir(), "also-nowhere"))

	entries, err := lib.List(watcher.KindReports)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("List() of missing dir = %d entries, want 0", len(entries))
	}
}

// TestLibrary_ListUnknownKind verifies unknown collection kinds map to
// ErrNotFound.
func TestLibrary_ListUnknownKind(t *testing.T) {
	lib, _, _ := newTestLibrary(t)

	if _, err := lib.List(watcher.Kind("bogus")); !errors.Is(err, ErrNotFound) {
		t.Errorf("List(bogus) = %v, want ErrNotFound", err)
	}
}

// TestLibrary_Render verifies markdown converts to HTML.
func TestLibrary_Render(t *testing.T) {
	lib, reports, _ := newTestLibrary(t)

	source := "# Failure summary\n\nThe retry loop never terminates.\n"
	if err := os.WriteFile(filepath.Join(reports, "report-7.md"), []byte(source), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	rendered, err := lib.Render(watcher.KindReports, "report-7.md")
	if err != nil {
		t.Fatalf("Render() failed: %v", err)
	}
	if rendered.Filename != "report-7.md" {
		t.Errorf("Filename = %q", rendered.Filename)
	}
	if rendered.Type != string(FormatMarkdown) {
		t.Errorf("Type = %q, want %q", rendered.Type, FormatMarkdown)
	}
	if !strings.Contains(rendered.Content, "<h1") || !strings.Contains(rendered.Content, "Failure summary") {
		t.Errorf("Content missing rendered heading: %q", rendered.Content)
	}
}

// TestLibrary_PathRejectsEscapes verifies that ids that could escape
// the collection directory read as not found.
func TestLibrary_PathRejectsEscapes(t *testing.T) {
	lib, _, checks := newTestLibrary(t)
	if err := os.WriteFile(filepath.Join(checks, "ok.html"), []byte("<p>x</p>"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	bad := []string{
		"../secrets.md",
		"sub/dir.md",
		".hidden.md",
		"plain.txt",
		"",
	}
	for _, id := range bad {
		if _, err := lib.Path(watcher.KindChecks, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Path(%q) = %v, want ErrNotFound", id, err)
		}
	}

	if _, err := lib.Path(watcher.KindChecks, "ok.html"); err != nil {
		t.Errorf("Path(ok.html) failed: %v", err)
	}
	if _, err := lib.Path(watcher.KindChecks, "gone.html"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Path(gone.html) = %v, want ErrNotFound", err)
	}
}

// TestFormatFor verifies extension-to-format mapping.
func TestFormatFor(t *testing.T) {
	if f, ok := FormatFor("a.md"); !ok || f != FormatMarkdown {
		t.Errorf("FormatFor(a.md) = %q, %v", f, ok)
	}
	if f, ok := FormatFor("A.HTML"); !ok || f != FormatMarkup {
		t.Errorf("FormatFor(A.HTML) = %q, %v", f, ok)
	}
	if _, ok := FormatFor("a.txt"); ok {
		t.Error("FormatFor(a.txt) should not be recognized")
	}
}
