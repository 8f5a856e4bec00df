package proxy

import "sync"

// Table holds at most one Session per bot client id.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// Put stores session, closing any session it replaces. It reports whether
// a previous session was replaced.
func (t *Table) Put(clientID string, session *Session) bool {
	t.mu.Lock()
	previous := t.sessions[clientID]
	t.sessions[clientID] = session
	t.mu.Unlock()
	if previous == nil || previous == session {
		return false
	}
	previous.Close()
	return true
}

func (t *Table) Get(clientID string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	session, ok := t.sessions[clientID]
	return session, ok
}

// Remove closes and forgets the session for clientID. It reports false when
// there was none.
func (t *Table) Remove(clientID string) bool {
	t.mu.Lock()
	session, ok := t.sessions[clientID]
	delete(t.sessions, clientID)
	t.mu.Unlock()
	if ok {
		session.Close()
	}
	return ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// CloseAll closes every session and empties the table.
func (t *Table) CloseAll() {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]*Session)
	t.mu.Unlock()
	for _, session := range sessions {
		session.Close()
	}
}
