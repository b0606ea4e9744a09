package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/backend/internal/clock"
)

func newTestManager(cfg Config) (*Manager, *clock.Fake) {
	fake := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	return NewManager(cfg, fake), fake
}

func TestLifecycle(t *testing.T) {
	m, _ := newTestManager(Config{})

	_, err := m.CreateSession("", 0)
	assert.Error(t, err, "empty key rejected")

	s, err := m.CreateSession("key-1", 60_000)
	require.NoError(t, err)
	assert.Equal(t, "sess_1", s.ID)
	assert.Equal(t, StatusActive, s.Status)

	require.NoError(t, m.RecordCall(s.ID, "search", 5))
	require.NoError(t, m.RecordCall(s.ID, "search", 3))
	require.NoError(t, m.RecordCall(s.ID, "fetch", 10))

	got, ok := m.GetSession(s.ID)
	require.True(t, ok)
	assert.Equal(t, 3, got.TotalCalls)
	assert.Equal(t, 18.0, got.TotalCredits)

	require.NoError(t, m.EndSession(s.ID))
	assert.Error(t, m.EndSession(s.ID), "double end rejected")
	assert.Error(t, m.RecordCall(s.ID, "search", 1), "ended sessions are frozen")

	got, _ = m.GetSession(s.ID)
	assert.Equal(t, StatusEnded, got.Status)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, 3, got.TotalCalls, "totals frozen after end")
}

func TestLazyExpiry(t *testing.T) {
	m, fake := newTestManager(Config{})
	s, err := m.CreateSession("k", 1000)
	require.NoError(t, err)

	fake.Advance(1500 * time.Millisecond)
	got, ok := m.GetSession(s.ID)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Error(t, m.RecordCall(s.ID, "t", 1))
	assert.Error(t, m.EndSession(s.ID))
}

func TestMaxActiveSessions(t *testing.T) {
	m, fake := newTestManager(Config{MaxActiveSessions: 2})
	_, err := m.CreateSession("a", 1000)
	require.NoError(t, err)
	_, err = m.CreateSession("b", 1000)
	require.NoError(t, err)
	_, err = m.CreateSession("c", 1000)
	assert.Error(t, err)

	// Expired sessions no longer count against the cap.
	fake.Advance(2 * time.Second)
	_, err = m.CreateSession("c", 1000)
	assert.NoError(t, err)
}

func TestSessionReport(t *testing.T) {
	m, _ := newTestManager(Config{})
	s, _ := m.CreateSession("k", 60_000)
	m.RecordCall(s.ID, "cheap", 1)
	m.RecordCall(s.ID, "cheap", 1)
	m.RecordCall(s.ID, "pricey", 50)

	rep, err := m.GetSessionReport(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.TotalCalls)
	assert.Equal(t, 52.0, rep.TotalCredits)
	require.Len(t, rep.ByTool, 2)
	assert.Equal(t, "pricey", rep.ByTool[0].Tool, "sorted by credits descending")
	assert.Equal(t, "cheap", rep.ByTool[1].Tool)
	assert.Equal(t, 2, rep.ByTool[1].Calls)
}

func TestKeyReportAggregatesSessions(t *testing.T) {
	m, _ := newTestManager(Config{})
	s1, _ := m.CreateSession("k", 60_000)
	s2, _ := m.CreateSession("k", 60_000)
	other, _ := m.CreateSession("other", 60_000)
	m.RecordCall(s1.ID, "a", 10)
	m.RecordCall(s2.ID, "a", 5)
	m.RecordCall(other.ID, "a", 100)

	rep := m.GetKeyReport("k")
	assert.Equal(t, 2, rep.Sessions)
	assert.Equal(t, 15.0, rep.TotalCredits)
}

func TestCleanup(t *testing.T) {
	m, fake := newTestManager(Config{})
	s1, _ := m.CreateSession("k", 60_000)
	m.EndSession(s1.ID)
	s2, _ := m.CreateSession("k", 1000) // will expire
	s3, _ := m.CreateSession("k", 600_000)

	fake.Advance(10 * time.Minute)
	removed := m.Cleanup(60_000)
	assert.Equal(t, 2, removed)

	_, ok := m.GetSession(s1.ID)
	assert.False(t, ok)
	_, ok = m.GetSession(s2.ID)
	assert.False(t, ok)
	_, ok = m.GetSession(s3.ID)
	assert.True(t, ok)
}
