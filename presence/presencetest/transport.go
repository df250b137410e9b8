// Package presencetest provides an in-memory presence.Transport for tests.
package presencetest

import (
	"sync"
)

// Message is one event delivered to a session.
type Message struct {
	Event    string
	Payload  any
	Volatile bool
}

// Transport records every delivery per session. Group membership behaves
// like a socket.io room.
type Transport struct {
	mu           sync.Mutex
	groups       map[string]map[string]bool
	inbox        map[string][]Message
	disconnected map[string]int
}

func NewTransport() *Transport {
	return &Transport{
		groups:       make(map[string]map[string]bool),
		inbox:        make(map[string][]Message),
		disconnected: make(map[string]int),
	}
}

func (t *Transport) JoinGroup(sessionID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.groups[roomID] == nil {
		t.groups[roomID] = make(map[string]bool)
	}
	t.groups[roomID][sessionID] = true
}

func (t *Transport) LeaveGroup(sessionID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groups[roomID], sessionID)
}

func (t *Transport) emit(roomID, event string, payload any, exclude string, volatile bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sid := range t.groups[roomID] {
		if sid == exclude {
			continue
		}
		t.inbox[sid] = append(t.inbox[sid], Message{Event: event, Payload: payload, Volatile: volatile})
	}
}

func (t *Transport) EmitToGroup(roomID, event string, payload any, excludeSessionID string) {
	t.emit(roomID, event, payload, excludeSessionID, false)
}

func (t *Transport) EmitToGroupVolatile(roomID, event string, payload any, excludeSessionID string) {
	t.emit(roomID, event, payload, excludeSessionID, true)
}

func (t *Transport) EmitToSession(sessionID, event string, payload any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbox[sessionID] = append(t.inbox[sessionID], Message{Event: event, Payload: payload})
}

// DisconnectGroup records the disconnect and empties the group. Callers
// that need the sessions' disconnect handling run it themselves.
func (t *Transport) DisconnectGroup(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected[roomID]++
	delete(t.groups, roomID)
}

// Messages returns what sessionID received, optionally only of event.
func (t *Transport) Messages(sessionID string, event ...string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Message
	for _, m := range t.inbox[sessionID] {
		if len(event) == 0 || m.Event == event[0] {
			out = append(out, m)
		}
	}
	return out
}

// Group returns the session ids in roomID's group.
func (t *Transport) Group(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for sid := range t.groups[roomID] {
		out = append(out, sid)
	}
	return out
}

// Disconnects returns how many times roomID's group was disconnected.
func (t *Transport) Disconnects(roomID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnected[roomID]
}

// Reset forgets all recorded messages.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbox = make(map[string][]Message)
}
