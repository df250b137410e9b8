package websocket

import (
	"sync"

	socketio "github.com/zishang520/socket.io/v2/socket"
)

// Transport maps room broadcast groups onto socket.io rooms. Every socket
// is also in the room named after its own id, which addresses a single
// session.
type Transport struct {
	srv *socketio.Server

	mu      sync.RWMutex
	sockets map[string]*socketio.Socket
}

func NewTransport(srv *socketio.Server) *Transport {
	return &Transport{
		srv:     srv,
		sockets: make(map[string]*socketio.Socket),
	}
}

func (t *Transport) register(socket *socketio.Socket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sockets[string(socket.Id())] = socket
}

func (t *Transport) unregister(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sockets, sessionID)
}

func (t *Transport) socket(sessionID string) (*socketio.Socket, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sockets[sessionID]
	return s, ok
}

func (t *Transport) JoinGroup(sessionID, roomID string) {
	if s, ok := t.socket(sessionID); ok {
		s.Join(socketio.Room(roomID))
	}
}

func (t *Transport) LeaveGroup(sessionID, roomID string) {
	if s, ok := t.socket(sessionID); ok {
		s.Leave(socketio.Room(roomID))
	}
}

func (t *Transport) EmitToGroup(roomID, event string, payload any, excludeSessionID string) {
	if s, ok := t.socket(excludeSessionID); ok {
		_ = s.Broadcast().To(socketio.Room(roomID)).Emit(event, payload)
		return
	}
	_ = t.srv.To(socketio.Room(roomID)).Emit(event, payload)
}

// EmitToGroupVolatile drops the event for sockets that are not ready to
// receive it. Without a sender to exclude it degrades to EmitToGroup.
func (t *Transport) EmitToGroupVolatile(roomID, event string, payload any, excludeSessionID string) {
	if s, ok := t.socket(excludeSessionID); ok {
		_ = s.Volatile().Broadcast().To(socketio.Room(roomID)).Emit(event, payload)
		return
	}
	_ = t.srv.To(socketio.Room(roomID)).Emit(event, payload)
}

func (t *Transport) EmitToSession(sessionID, event string, payload any) {
	_ = t.srv.To(socketio.Room(sessionID)).Emit(event, payload)
}

// DisconnectGroup closes every socket in roomID. Their disconnect handlers
// run as for any other disconnect.
func (t *Transport) DisconnectGroup(roomID string) {
	room := socketio.Room(roomID)

	t.mu.RLock()
	var members []*socketio.Socket
	for _, s := range t.sockets {
		for _, joined := range s.Rooms().Keys() {
			if joined == room {
				members = append(members, s)
				break
			}
		}
	}
	t.mu.RUnlock()

	for _, s := range members {
		s.Disconnect(true)
	}
}
