package rooms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"whiteboard-server/auth"
	"whiteboard-server/core"
	"whiteboard-server/middleware"
	"whiteboard-server/stores/memory"
)

type staticOccupancy map[string]int

func (o staticOccupancy) Occupancies() map[string]int {
	out := make(map[string]int, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

func newRouter(store core.RoomRegistry, occupancy Occupancy) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/api/rooms", HandleCreate(store))
	r.Get("/api/rooms", HandleList(store, occupancy))
	r.Get("/api/rooms/{roomId}", HandleGet(store, occupancy))
	return r
}

func withIdentity(req *http.Request, id string) *http.Request {
	return req.WithContext(middleware.WithIdentity(req.Context(), &auth.Identity{ID: id, Name: id}))
}

func TestHandleCreate_Success(t *testing.T) {
	store := memory.NewDocumentStore()
	body := `{"capacity":4,"sessionDurationLimit":60,"participants":["bob","bob","host"]}`
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(body)), "host")
	rec := httptest.NewRecorder()

	newRouter(store, staticOccupancy{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("Status code mismatch: got %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var response RoomResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.ID == "" || response.HostID != "host" || response.Status != core.RoomActive {
		t.Errorf("Unexpected room: %+v", response.Room)
	}
	if len(response.Participants) != 1 || response.Participants[0] != "bob" {
		t.Errorf("Participants not deduplicated: %v", response.Participants)
	}
	if response.ExpiresAt == nil {
		t.Error("ExpiresAt missing for a time-limited room")
	}

	stored, err := store.GetRoom(context.Background(), response.ID)
	if err != nil {
		t.Fatalf("Room not stored: %v", err)
	}
	if stored.Capacity != 4 || stored.SessionDurationLimit != 60 {
		t.Errorf("Stored room mismatch: %+v", stored)
	}
}

func TestHandleCreate_EmptyBody(t *testing.T) {
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/rooms", nil), "host")
	rec := httptest.NewRecorder()

	newRouter(memory.NewDocumentStore(), staticOccupancy{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusCreated)
	}
	var response RoomResponse
	_ = json.NewDecoder(rec.Body).Decode(&response)
	if response.ExpiresAt != nil {
		t.Error("Unlimited room should not expire")
	}
}

func TestHandleCreate_Validation(t *testing.T) {
	for name, body := range map[string]string{
		"negative capacity": `{"capacity":-1}`,
		"limit too long":    `{"sessionDurationLimit":999999}`,
		"empty participant": `{"participants":[""]}`,
		"malformed":         `{"capacity":`,
	} {
		t.Run(name, func(t *testing.T) {
			req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(body)), "host")
			rec := httptest.NewRecorder()
			newRouter(memory.NewDocumentStore(), staticOccupancy{}).ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestHandleCreate_NoIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	newRouter(memory.NewDocumentStore(), staticOccupancy{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHandleGet(t *testing.T) {
	store := memory.NewDocumentStore()
	_ = store.CreateRoom(context.Background(), &core.Room{ID: "r1", HostID: "host", Status: core.RoomActive})
	router := newRouter(store, staticOccupancy{"r1": 3})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/r1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}
	var response RoomResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.ID != "r1" || response.Users != 3 {
		t.Errorf("Unexpected response: %+v", response)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleList_MergesAndSorts(t *testing.T) {
	store := memory.NewDocumentStore()
	ctx := context.Background()
	for _, id := range []string{"quiet", "recent", "busy"} {
		_ = store.CreateRoom(ctx, &core.Room{ID: id, HostID: "host", Status: core.RoomActive})
	}
	_ = store.TouchRoom(ctx, "recent")

	occupancy := staticOccupancy{"busy": 5, "ephemeral": 2}
	rec := httptest.NewRecorder()
	newRouter(store, occupancy).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}
	var list []RoomSummary
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	var ids []string
	for _, entry := range list {
		ids = append(ids, entry.ID)
	}
	want := []string{"busy", "ephemeral", "recent", "quiet"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Errorf("Room order mismatch: got %v, want %v", ids, want)
	}
	if list[0].Users != 5 || list[0].Status != core.RoomActive {
		t.Errorf("Busy room entry mismatch: %+v", list[0])
	}
	if list[1].Status != "" {
		t.Errorf("Unregistered room should carry no status: %+v", list[1])
	}
}

func TestSortSummaries_TieBreaksByID(t *testing.T) {
	ts := int64(100)
	list := []RoomSummary{{ID: "b", LastActive: &ts}, {ID: "a", LastActive: &ts}, {ID: "c"}}
	sortSummaries(list)
	if list[0].ID != "a" || list[1].ID != "b" || list[2].ID != "c" {
		t.Errorf("sortSummaries() = %v", list)
	}
}
