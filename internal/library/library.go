// Package library lists and serves the report and check file
// collections.
//
// The collections are two disjoint flat directories. Files are created
// and destroyed by external processes; this package only reads them.
// Markdown files are rendered to HTML for the browser, markup (.html)
// files pass through untouched.
package library

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/modeltest/reviewboard/internal/watcher"
)

// ErrNotFound is returned for unknown collection kinds and files.
var ErrNotFound = errors.New("file not found")

// Format is the serving format of a collection member.
type Format string

const (
	// FormatMarkdown files are rendered to HTML before serving.
	FormatMarkdown Format = "markdown"
	// FormatMarkup files are served as raw bytes.
	FormatMarkup Format = "markup"
)

// FileEntry describes one collection member.
type FileEntry struct {
	ID          string       `json:"id"`
	DisplayName string       `json:"displayName"`
	Kind        watcher.Kind `json:"kind"`
	Format      Format       `json:"format"`
}

// RenderedFile is a markdown file converted for the browser.
type RenderedFile struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Type     string `json:"type"`
}

// markdownInstance is initialized once and reused; the configuration
// never changes and goldmark instances are safe to share.
var (
	markdownInstance goldmark.Markdown
	markdownOnce     sync.Once
)

func getMarkdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		)
	})
	return markdownInstance
}

// FormatFor maps a filename to its serving format.
func FormatFor(name string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md":
		return FormatMarkdown, true
	case ".html":
		return FormatMarkup, true
	}
	return "", false
}

// Library reads the two collection directories.
type Library struct {
	reportsDir string
	checksDir  string
}

// New creates a library over the given collection directories.
func New(reportsDir, checksDir string) *Library {
	return &Library{reportsDir: reportsDir, checksDir: checksDir}
}

func (l *Library) dirFor(kind watcher.Kind) (string, error) {
	switch kind {
	case watcher.KindReports:
		return l.reportsDir, nil
	case watcher.KindChecks:
		return l.checksDir, nil
	}
	return "", fmt.Errorf("%w: unknown collection %q", ErrNotFound, kind)
}

// List returns the recognized members of one collection, ordered by
// id. A missing directory lists as empty: the collection is degraded
// to "empty until available", not an error.
func (l *Library) List(kind watcher.Kind) ([]FileEntry, error) {
	dir, err := l.dirFor(kind)
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []FileEntry{}, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	entries := make([]FileEntry, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}
		name := dirEntry.Name()
		format, ok := FormatFor(name)
		if !ok {
			continue
		}
		entries = append(entries, FileEntry{
			ID:          name,
			DisplayName: strings.TrimSuffix(name, filepath.Ext(name)),
			Kind:        kind,
			Format:      format,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Path resolves a collection member to its on-disk path. The id must
// be a bare recognized filename; anything that could escape the
// collection directory is rejected as not found.
func (l *Library) Path(kind watcher.Kind, id string) (string, error) {
	dir, err := l.dirFor(kind)
	if err != nil {
		return "", err
	}
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if _, ok := FormatFor(id); !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	path := filepath.Join(dir, id)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return path, nil
}

// Render reads a markdown member and converts it to HTML.
func (l *Library) Render(kind watcher.Kind, id string) (RenderedFile, error) {
	path, err := l.Path(kind, id)
	if err != nil {
		return RenderedFile{}, err
	}

	source, err := os.ReadFile(path)
	if err != nil {
		return RenderedFile{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var buf bytes.Buffer
	if err := getMarkdown().Convert(source, &buf); err != nil {
		return RenderedFile{}, fmt.Errorf("failed to render %s: %w", id, err)
	}

	return RenderedFile{
		Filename: id,
		Content:  buf.String(),
		Type:     string(FormatMarkdown),
	}, nil
}
