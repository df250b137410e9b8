package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"whiteboard-server/access"
	"whiteboard-server/auth"
	"whiteboard-server/core"
	"whiteboard-server/expiry"
	"whiteboard-server/mutations"
	"whiteboard-server/persistence"
	"whiteboard-server/presence"
	"whiteboard-server/rooms"
	"whiteboard-server/stores/memory"
)

const waitTimeout = 5 * time.Second

// pollingClient speaks engine.io v4 long-polling and the socket.io packet
// format on top of it, enough to drive the server end to end.
type pollingClient struct {
	t       *testing.T
	url     string
	sid     string
	packets chan string
	seen    []string
}

func dial(t *testing.T, baseURL string, handshake map[string]any) *pollingClient {
	t.Helper()
	c := &pollingClient{
		t:       t,
		url:     baseURL + "/socket.io/?EIO=4&transport=polling",
		packets: make(chan string, 128),
	}

	body, err := c.get()
	if err != nil || !strings.HasPrefix(body, "0") {
		t.Fatalf("engine.io open failed: %q %v", body, err)
	}
	var open struct {
		Sid string `json:"sid"`
	}
	if err := json.Unmarshal([]byte(body[1:]), &open); err != nil {
		t.Fatalf("Failed to decode open packet: %v", err)
	}
	c.url += "&sid=" + open.Sid

	data, _ := json.Marshal(handshake)
	c.post("40" + string(data))
	go c.readLoop()

	connect := c.waitPacket(func(p string) bool { return strings.HasPrefix(p, "40") })
	var ack struct {
		Sid string `json:"sid"`
	}
	if err := json.Unmarshal([]byte(connect[2:]), &ack); err != nil || ack.Sid == "" {
		t.Fatalf("Unexpected connect packet %q", connect)
	}
	c.sid = ack.Sid
	return c
}

func (c *pollingClient) get() (string, error) {
	resp, err := http.Get(c.url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

func (c *pollingClient) post(packet string) {
	resp, err := http.Post(c.url, "text/plain;charset=UTF-8", bytes.NewBufferString(packet))
	if err != nil {
		c.t.Errorf("POST %q failed: %v", packet, err)
		return
	}
	resp.Body.Close()
}

func (c *pollingClient) readLoop() {
	defer close(c.packets)
	for {
		body, err := c.get()
		if err != nil {
			return
		}
		for _, p := range strings.Split(body, "\x1e") {
			switch p {
			case "", "6":
			case "2":
				_, _ = http.Post(c.url, "text/plain;charset=UTF-8", bytes.NewBufferString("3"))
			case "1":
				c.packets <- p
				return
			default:
				c.packets <- p
			}
		}
	}
}

func (c *pollingClient) emit(event string, args ...any) {
	data, _ := json.Marshal(append([]any{event}, args...))
	c.post("42" + string(data))
}

func (c *pollingClient) waitPacket(match func(string) bool) string {
	c.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case p, ok := <-c.packets:
			if !ok {
				c.t.Fatalf("Connection closed, seen %v", c.seen)
			}
			c.seen = append(c.seen, p)
			if match(p) {
				return p
			}
		case <-deadline:
			c.t.Fatalf("Timed out, seen %v", c.seen)
		}
	}
}

func (c *pollingClient) waitEvent(event string) {
	c.t.Helper()
	c.waitPacket(func(p string) bool { return eventName(p) == event })
}

// waitClosed waits for the server to drop the socket.
func (c *pollingClient) waitClosed() {
	c.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case p, ok := <-c.packets:
			if !ok || p == "41" || p == "1" {
				return
			}
			c.seen = append(c.seen, p)
		case <-deadline:
			c.t.Fatalf("Socket still open, seen %v", c.seen)
		}
	}
}

func (c *pollingClient) received(event string) bool {
	for _, p := range c.seen {
		if eventName(p) == event {
			return true
		}
	}
	return false
}

func eventName(packet string) string {
	if !strings.HasPrefix(packet, "42") {
		return ""
	}
	var frame []json.RawMessage
	if err := json.Unmarshal([]byte(packet[2:]), &frame); err != nil || len(frame) == 0 {
		return ""
	}
	var name string
	_ = json.Unmarshal(frame[0], &name)
	return name
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSocketRoundTrip_ExpiryDisconnectsRoom(t *testing.T) {
	store := memory.NewDocumentStore()
	alice, bob, carol := uuid.NewString(), uuid.NewString(), uuid.NewString()
	err := store.CreateRoom(context.Background(), &core.Room{
		ID:                   "r1",
		HostID:               alice,
		Participants:         []string{bob},
		CreatedAt:            time.Now().Add(-2 * time.Minute),
		SessionDurationLimit: 1,
		Status:               core.RoomActive,
	})
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}

	ioo := SetupSocketIO(nil)
	transport := NewTransport(ioo)
	var manager *presence.Manager
	var scheduler *persistence.Scheduler
	cache := rooms.NewCache(store,
		rooms.WithOccupancy(func(id string) int { return manager.Occupancy(id) }),
		rooms.WithFlushCheck(func(id string) bool { return scheduler.EnsureFlushed(id) }),
	)
	scheduler = persistence.NewScheduler(store, cache, persistence.WithDebounce(time.Hour))
	manager = presence.NewManager(transport, cache, scheduler,
		presence.WithAdmitter(access.NewChecker(store, nil)),
		presence.WithRegistry(store),
	)
	relay := access.NewRelay(store, transport, manager)
	handler := mutations.NewHandler(cache, scheduler, manager, transport, nil)
	NewCollab(transport, auth.NewAuthenticator("", true), manager, handler, relay).Attach(ioo)

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", ioo.ServeHandler(nil))
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ioo.Close(nil)
		ts.CloseClientConnections()
		ts.Close()
		cache.Close()
	})

	host := dial(t, ts.URL, map[string]any{"userId": alice, "userName": "Alice"})
	host.waitEvent(EventConnectionReady)
	host.emit(EventJoinRoom, "r1")
	host.waitEvent(EventJoinRoomAck)

	guest := dial(t, ts.URL, map[string]any{"userId": bob, "userName": "Bob"})
	guest.emit(EventJoinRoom, "r1")
	guest.waitEvent(EventJoinRoomAck)
	host.waitEvent(presence.EventUserJoined)
	if got := manager.Occupancy("r1"); got != 2 {
		t.Fatalf("Occupancy() = %d, want 2", got)
	}

	outsider := dial(t, ts.URL, map[string]any{"userId": carol, "userName": "Carol"})
	outsider.emit(EventRequestJoin, "r1")
	host.waitEvent(access.EventJoinRequest)
	if got := relay.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}

	expired, err := expiry.New(store, transport).Sweep(context.Background())
	if err != nil || expired != 1 {
		t.Fatalf("Sweep() = %d, %v; want 1, nil", expired, err)
	}

	for _, c := range []*pollingClient{host, guest} {
		c.waitEvent(expiry.EventRoomExpired)
		c.waitClosed()
	}
	if guest.received(presence.EventUserJoined) {
		t.Error("Joiner was told about its own arrival")
	}
	if outsider.received(expiry.EventRoomExpired) {
		t.Error("Session outside the room was told it expired")
	}

	eventually(t, "room to empty", func() bool { return manager.Occupancy("r1") == 0 })
	if _, ok := transport.socket(host.sid); ok {
		t.Error("Disconnected socket still registered")
	}

	outsider.post("41")
	eventually(t, "pending request to be dropped", func() bool { return relay.Pending() == 0 })
	eventually(t, "session to be removed", func() bool {
		_, ok := manager.Session(outsider.sid)
		return !ok
	})
}
