// Package activity implements the bounded, append-only event log backing
// GET /activity (§6): a single newest-first feed unioning session
// lifecycle, completed commands, and provider connect/disconnect events.
package activity

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corvynix/voxctl/pkg/models"
)

// maxEntries bounds memory use: a single lock guards a capped slice, and
// once the cap is exceeded the oldest entries are dropped first.
const maxEntries = 2000

// Log is a process-wide, in-memory activity feed. The zero value is not
// usable; use New.
type Log struct {
	mu      sync.Mutex
	entries []models.ActivityItem // newest last
	nowFunc func() time.Time
}

// New constructs an empty Log.
func New() *Log {
	return &Log{nowFunc: time.Now}
}

func (l *Log) record(item models.ActivityItem) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = l.nowFunc()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, item)
	if len(l.entries) > maxEntries {
		l.entries = l.entries[len(l.entries)-maxEntries:]
	}
}

// RecordSession appends a "session" item for a newly created conversation
// session. Installed as a convo.Store session listener.
func (l *Log) RecordSession(session models.Session) {
	l.record(models.ActivityItem{
		Type:      models.ActivitySession,
		Title:     "Conversation started",
		Timestamp: session.CreatedAt,
	})
}

// RecordCommand appends a "command" item for one completed ProcessQuery
// turn.
func (l *Log) RecordCommand(query, reply string, success bool) {
	title := query
	if title == "" {
		title = "(confirmation resumed)"
	}
	l.record(models.ActivityItem{
		Type:        models.ActivityCommand,
		Title:       title,
		Description: reply,
		Success:     &success,
	})
}

// RecordConnection appends an "oauth_connect"/"oauth_disconnect" item from
// a Connection Manager status transition. Installed as a connmgr.Manager
// status listener.
func (l *Log) RecordConnection(status models.ConnectionStatus) {
	switch status.State {
	case models.ConnStateConnected:
		l.record(models.ActivityItem{
			Type:    models.ActivityOAuthConnect,
			Title:   "Connected to " + status.Provider,
			Service: status.Provider,
		})
	case models.ConnStateClosed:
		l.record(models.ActivityItem{
			Type:    models.ActivityOAuthDisconnect,
			Title:   "Disconnected from " + status.Provider,
			Service: status.Provider,
		})
	}
}

// List returns up to limit items strictly older than before (or the most
// recent items if before is zero), newest-first.
func (l *Log) List(before time.Time, limit int) []models.ActivityItem {
	if limit <= 0 {
		limit = 50
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.ActivityItem, 0, limit)
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		item := l.entries[i]
		if !before.IsZero() && !item.Timestamp.Before(before) {
			continue
		}
		out = append(out, item)
	}
	return out
}
