// Package session tracks per-key call sessions: lifecycle, per-call roll-up
// and TTL expiry. Sessions are mutated only while active; expiry is lazy, so
// a read that observes a past deadline rewrites the status before returning.
package session

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/toolgate/backend/internal/clock"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusExpired Status = "expired"
)

// CallRecord is one tool call rolled up into a session.
type CallRecord struct {
	Tool      string    `json:"tool"`
	Credits   float64   `json:"credits"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a per-key call container.
type Session struct {
	ID           string       `json:"id"`
	Key          string       `json:"key"`
	Status       Status       `json:"status"`
	CreatedAt    time.Time    `json:"createdAt"`
	EndedAt      *time.Time   `json:"endedAt,omitempty"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	TotalCalls   int          `json:"totalCalls"`
	TotalCredits float64      `json:"totalCredits"`
	Calls        []CallRecord `json:"calls"`
}

// ToolUsage is a per-tool roll-up line in a report.
type ToolUsage struct {
	Tool    string  `json:"tool"`
	Calls   int     `json:"calls"`
	Credits float64 `json:"credits"`
}

// Report totals one or more sessions.
type Report struct {
	Sessions     int         `json:"sessions"`
	TotalCalls   int         `json:"totalCalls"`
	TotalCredits float64     `json:"totalCredits"`
	ByTool       []ToolUsage `json:"byTool"`
}

// Config bounds the manager.
type Config struct {
	MaxActiveSessions int
	DefaultTTLMs      int64
}

// Manager owns all sessions. A coarse lock guards the session and key-index
// maps; individual session structs are only touched under it, which is cheap
// because every mutation is a handful of field writes.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	clk      clock.Clock
	sessions map[string]*Session
	byKey    map[string][]string // key -> session ids
	nextID   int64
	logger   *log.Logger
}

// NewManager creates a session manager.
func NewManager(cfg Config, clk clock.Clock) *Manager {
	if cfg.MaxActiveSessions <= 0 {
		cfg.MaxActiveSessions = 1000
	}
	if cfg.DefaultTTLMs <= 0 {
		cfg.DefaultTTLMs = 3_600_000
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Manager{
		cfg:      cfg,
		clk:      clk,
		sessions: make(map[string]*Session),
		byKey:    make(map[string][]string),
		logger:   log.New(log.Writer(), "[SESSION] ", log.LstdFlags),
	}
}

// CreateSession opens a session for key.
func (m *Manager) CreateSession(key string, ttlMs int64) (*Session, error) {
	if key == "" {
		return nil, fmt.Errorf("session key must not be empty")
	}
	if ttlMs <= 0 {
		ttlMs = m.cfg.DefaultTTLMs
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, s := range m.sessions {
		if m.liveStatusLocked(s) == StatusActive {
			active++
		}
	}
	if active >= m.cfg.MaxActiveSessions {
		return nil, fmt.Errorf("too many active sessions (max %d)", m.cfg.MaxActiveSessions)
	}

	now := m.clk.Now()
	m.nextID++
	s := &Session{
		ID:        fmt.Sprintf("sess_%d", m.nextID),
		Key:       key,
		Status:    StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(ttlMs) * time.Millisecond),
	}
	m.sessions[s.ID] = s
	m.byKey[key] = append(m.byKey[key], s.ID)
	return copySession(s), nil
}

// GetSession returns the session, lazily expiring it first when due.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	m.liveStatusLocked(s)
	return copySession(s), true
}

// EndSession transitions an active session to ended.
func (m *Manager) EndSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %q not found", id)
	}
	if m.liveStatusLocked(s) != StatusActive {
		return fmt.Errorf("session %q is %s, not active", id, s.Status)
	}
	now := m.clk.Now()
	s.Status = StatusEnded
	s.EndedAt = &now
	return nil
}

// RecordCall appends a call to an active session and rolls up its totals.
func (m *Manager) RecordCall(id, tool string, credits float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %q not found", id)
	}
	if m.liveStatusLocked(s) != StatusActive {
		return fmt.Errorf("session %q is %s, not active", id, s.Status)
	}
	s.Calls = append(s.Calls, CallRecord{Tool: tool, Credits: credits, Timestamp: m.clk.Now()})
	s.TotalCalls++
	s.TotalCredits += credits
	return nil
}

// liveStatusLocked applies lazy expiry and returns the current status.
func (m *Manager) liveStatusLocked(s *Session) Status {
	if s.Status == StatusActive && !s.ExpiresAt.After(m.clk.Now()) {
		s.Status = StatusExpired
	}
	return s.Status
}

// GetSessionReport totals a single session grouped by tool.
func (m *Manager) GetSessionReport(id string) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q not found", id)
	}
	m.liveStatusLocked(s)
	return buildReport([]*Session{s}), nil
}

// GetKeyReport aggregates every session for key.
func (m *Manager) GetKeyReport(key string) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sessions []*Session
	for _, id := range m.byKey[key] {
		if s, ok := m.sessions[id]; ok {
			m.liveStatusLocked(s)
			sessions = append(sessions, s)
		}
	}
	return buildReport(sessions)
}

// buildReport rolls sessions up by tool, credits descending.
func buildReport(sessions []*Session) *Report {
	rep := &Report{Sessions: len(sessions)}
	byTool := make(map[string]*ToolUsage)
	for _, s := range sessions {
		rep.TotalCalls += s.TotalCalls
		rep.TotalCredits += s.TotalCredits
		for _, c := range s.Calls {
			u, ok := byTool[c.Tool]
			if !ok {
				u = &ToolUsage{Tool: c.Tool}
				byTool[c.Tool] = u
			}
			u.Calls++
			u.Credits += c.Credits
		}
	}
	rep.ByTool = make([]ToolUsage, 0, len(byTool))
	for _, u := range byTool {
		rep.ByTool = append(rep.ByTool, *u)
	}
	sort.Slice(rep.ByTool, func(i, j int) bool {
		if rep.ByTool[i].Credits != rep.ByTool[j].Credits {
			return rep.ByTool[i].Credits > rep.ByTool[j].Credits
		}
		return rep.ByTool[i].Tool < rep.ByTool[j].Tool
	})
	return rep
}

// Cleanup removes ended or expired sessions whose terminal moment is older
// than now-ageMs, and returns how many were dropped.
func (m *Manager) Cleanup(ageMs int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clk.Now().Add(-time.Duration(ageMs) * time.Millisecond)
	removed := 0
	for id, s := range m.sessions {
		switch m.liveStatusLocked(s) {
		case StatusEnded:
			if s.EndedAt != nil && s.EndedAt.Before(cutoff) {
				m.dropLocked(id, s)
				removed++
			}
		case StatusExpired:
			if s.ExpiresAt.Before(cutoff) {
				m.dropLocked(id, s)
				removed++
			}
		}
	}
	if removed > 0 {
		m.logger.Printf("cleaned %d finished sessions (%d remain)", removed, len(m.sessions))
	}
	return removed
}

func (m *Manager) dropLocked(id string, s *Session) {
	delete(m.sessions, id)
	ids := m.byKey[s.Key]
	for i, sid := range ids {
		if sid == id {
			m.byKey[s.Key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byKey[s.Key]) == 0 {
		delete(m.byKey, s.Key)
	}
}

// ActiveCount reports the number of active sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if m.liveStatusLocked(s) == StatusActive {
			n++
		}
	}
	return n
}

func copySession(s *Session) *Session {
	cp := *s
	cp.Calls = append([]CallRecord(nil), s.Calls...)
	return &cp
}

// Destroy clears all sessions.
func (m *Manager) Destroy() {
	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.byKey = make(map[string][]string)
	m.mu.Unlock()
}
