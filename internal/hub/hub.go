// Package hub fans state-change events out to every connected review
// tab.
//
// The hub owns the set of push-transport sessions. Each broadcast is
// serialized once and written to every active session as part of that
// session's ordered event stream. A write failure on one session drops
// that session only; delivery to the others proceeds. A keep-alive
// frame goes out periodically so intermediaries do not reap idle
// connections.
package hub

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultKeepAliveInterval is the heartbeat cadence.
const DefaultKeepAliveInterval = 25 * time.Second

// Config holds hub configuration.
type Config struct {
	// KeepAliveInterval is how often heartbeat frames are written to
	// each session (default: 25s).
	KeepAliveInterval time.Duration

	// Logger for hub activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		KeepAliveInterval: DefaultKeepAliveInterval,
		Logger:            log.New(os.Stderr, "[hub] ", log.LstdFlags),
	}
}

// Session is one connected push-transport client. It belongs to the
// hub's active set from Register until Unregister or the first failed
// write, never beyond.
type Session struct {
	ID        string
	transport Transport
}

// Hub owns the active session set and the keep-alive loop. Create it
// with New and tear it down with Close; multiple isolated instances
// may coexist (tests rely on this).
type Hub struct {
	cfg *Config

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a hub and starts its keep-alive loop.
func New(cfg *Config) *Hub {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[hub] ", log.LstdFlags)
	}

	h := &Hub{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	h.wg.Add(1)
	go h.keepAliveLoop()
	return h
}

// Register adds a session for the given transport and immediately
// delivers a Connected event to that session only.
func (h *Hub) Register(transport Transport) (*Session, error) {
	session := &Session{ID: uuid.NewString(), transport: transport}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("hub is closed")
	}
	h.sessions[session.ID] = session
	count := len(h.sessions)
	h.mu.Unlock()

	h.cfg.Logger.Printf("Session %s connected (total: %d)", session.ID, count)

	welcome := NewEvent(EventConnected, ConnectedData{SessionID: session.ID})
	data, err := json.Marshal(welcome)
	if err != nil {
		h.remove(session.ID)
		return nil, fmt.Errorf("failed to marshal connected event: %w", err)
	}
	if err := transport.WriteEvent(data); err != nil {
		h.remove(session.ID)
		return nil, fmt.Errorf("failed to deliver connected event: %w", err)
	}
	return session, nil
}

// Unregister removes a session from the active set and closes its
// transport. Unknown ids are ignored, so disconnect paths that race
// with write-failure removal stay safe.
func (h *Hub) Unregister(id string) {
	h.remove(id)
}

// Broadcast serializes the event once and writes it to every active
// session. Sessions whose write fails are removed; the rest still
// receive the event.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.cfg.Logger.Printf("Failed to marshal %s event: %v", event.Type, err)
		return
	}

	for _, session := range h.snapshot() {
		if err := session.transport.WriteEvent(data); err != nil {
			h.cfg.Logger.Printf("Failed to send %s to session %s: %v", event.Type, session.ID, err)
			h.remove(session.ID)
		}
	}
}

// SessionCount returns the number of active sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close stops the keep-alive loop and closes every session.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		sessions = append(sessions, session)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	close(h.done)
	h.wg.Wait()

	for _, session := range sessions {
		_ = session.transport.Close()
	}
	h.cfg.Logger.Println("Hub closed")
}

// keepAliveLoop writes a heartbeat frame to every session at the
// configured cadence. A heartbeat write failure is treated exactly
// like a broadcast write failure: the session is removed.
func (h *Hub) keepAliveLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			for _, session := range h.snapshot() {
				if err := session.transport.WriteHeartbeat(); err != nil {
					h.cfg.Logger.Printf("Heartbeat failed for session %s: %v", session.ID, err)
					h.remove(session.ID)
				}
			}
		}
	}
}

// snapshot copies the active set so writes happen outside the lock.
func (h *Hub) snapshot() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// remove drops a session and closes its transport exactly once per
// session lifetime.
func (h *Hub) remove(id string) {
	h.mu.Lock()
	session, exists := h.sessions[id]
	if exists {
		delete(h.sessions, id)
	}
	count := len(h.sessions)
	h.mu.Unlock()

	if exists {
		_ = session.transport.Close()
		h.cfg.Logger.Printf("Session %s disconnected (total: %d)", id, count)
	}
}
