// Package client implements the review tab side of the system: a thin
// HTTP API wrapper and the reconciliation engine that keeps a tab's
// local view converged with the server.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/modeltest/reviewboard/internal/annotation"
	"github.com/modeltest/reviewboard/internal/hub"
	"github.com/modeltest/reviewboard/internal/library"
	"github.com/modeltest/reviewboard/internal/notify"
	"github.com/modeltest/reviewboard/internal/watcher"
)

// API is a client for the review board HTTP interface. Every request
// carries the client id so the server can attribute saves.
type API struct {
	baseURL  string
	clientID string
	http     *http.Client
}

// NewAPI creates an API client against baseURL, tagging writes with
// clientID.
func NewAPI(baseURL, clientID string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &API{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		http:     httpClient,
	}
}

// apiError is a decoded server error envelope.
type apiError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// doJSON issues one request and decodes a JSON response into out.
// Non-2xx responses are returned as *apiError with the server's error
// envelope when it decodes, or the raw body otherwise.
func (a *API) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-Sender-Id", a.clientID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ae := &apiError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, ae) != nil || ae.Message == "" {
			ae.Message = strings.TrimSpace(string(data))
		}
		return ae
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetAnnotation fetches the authoritative annotation record for a file.
func (a *API) GetAnnotation(ctx context.Context, fileID string) (annotation.Record, error) {
	var rec annotation.Record
	err := a.doJSON(ctx, http.MethodGet, "/annotations/"+fileID, nil, &rec)
	return rec, err
}

// SaveResult is the server's acknowledgment of a save.
type SaveResult struct {
	Status         string             `json:"status"`
	Section        annotation.Section `json:"section"`
	NotificationID int64              `json:"notificationId"`
}

// SaveAnnotation writes both annotation fields for a file.
func (a *API) SaveAnnotation(ctx context.Context, rec annotation.Record) (SaveResult, error) {
	body := map[string]string{
		"modelDiagnosis":   rec.ModelDiagnosis,
		"repairSuggestion": rec.RepairSuggestion,
	}
	var result SaveResult
	err := a.doJSON(ctx, http.MethodPost, "/annotations/"+rec.FileID, body, &result)
	return result, err
}

// ListCollection fetches the members of one collection.
func (a *API) ListCollection(ctx context.Context, kind watcher.Kind) ([]library.FileEntry, error) {
	var entries []library.FileEntry
	err := a.doJSON(ctx, http.MethodGet, "/collections/"+string(kind), nil, &entries)
	return entries, err
}

// ListNotifications fetches the server ledger, most recent first.
func (a *API) ListNotifications(ctx context.Context) ([]notify.Record, error) {
	var records []notify.Record
	err := a.doJSON(ctx, http.MethodGet, "/notifications", nil, &records)
	return records, err
}

// DeleteNotification removes one ledger entry by id.
func (a *API) DeleteNotification(ctx context.Context, id int64) error {
	return a.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/notifications/%d", id), nil, nil)
}

// EventStream is an open push connection delivering decoded events.
type EventStream struct {
	resp   *http.Response
	events chan hub.Event
	errs   chan error
}

// OpenEvents connects to the push stream. The returned stream delivers
// events until the connection drops; close it to release the
// connection.
func (a *API) OpenEvents(ctx context.Context) (*EventStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream rejected with status %d", resp.StatusCode)
	}

	stream := &EventStream{
		resp:   resp,
		events: make(chan hub.Event, 16),
		errs:   make(chan error, 1),
	}
	go stream.read()
	return stream, nil
}

// Events delivers decoded events in arrival order. Closed when the
// stream ends.
func (s *EventStream) Events() <-chan hub.Event { return s.events }

// Errs delivers the terminal stream error, if any.
func (s *EventStream) Errs() <-chan error { return s.errs }

// Close tears the connection down. The read loop then winds up and
// closes Events.
func (s *EventStream) Close() error {
	return s.resp.Body.Close()
}

// read parses the wire stream: data lines carry JSON events, comment
// lines are keep-alives and skipped.
func (s *EventStream) read() {
	defer close(s.events)

	scanner := bufio.NewScanner(s.resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var event hub.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &event); err != nil {
			continue
		}
		s.events <- event
	}
	if err := scanner.Err(); err != nil {
		s.errs <- err
	}
}
