package documents

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"whiteboard-server/core"
	"whiteboard-server/middleware"
)

// EventElementsCleared tells the sessions of a room its board was wiped.
const EventElementsCleared = "elements_cleared"

type (
	ElementsResponse struct {
		RoomID   string         `json:"roomId"`
		Elements []core.Element `json:"elements"`
	}

	// Resetter empties the in-memory state of a room.
	Resetter interface {
		Reset(roomID string) bool
	}

	Broadcaster interface {
		EmitToGroup(roomID, event string, payload any, excludeSessionID string)
	}

	RoomLookup interface {
		GetRoom(ctx context.Context, id string) (*core.Room, error)
	}
)

// authorize writes the error response and returns false unless the caller
// is a member of roomID, or its host when hostOnly is set.
func authorize(w http.ResponseWriter, r *http.Request, rooms RoomLookup, roomID string, hostOnly bool) bool {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}

	room, err := rooms.GetRoom(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, core.ErrRoomNotFound) {
			http.Error(w, "Room not found", http.StatusNotFound)
			return false
		}
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to get room")
		http.Error(w, "Failed to get room", http.StatusInternalServerError)
		return false
	}

	allowed := room.IsMember(identity.ID)
	if hostOnly {
		allowed = room.HostID == identity.ID
	}
	if !allowed {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": identity.ID}).Info("Board access denied")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	return true
}

// HandleGetElements returns the durable elements of a room. While the room
// is live they may lag behind the in-memory state by a write window. Only
// members of the room may read it.
func HandleGetElements(store core.DocumentStore, rooms RoomLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")
		log := logrus.WithField("room_id", roomID)
		if !authorize(w, r, rooms, roomID, false) {
			return
		}

		doc, err := store.FindID(r.Context(), roomID)
		if err != nil && !errors.Is(err, core.ErrDocumentNotFound) {
			log.WithError(err).Error("Failed to load room document")
			http.Error(w, "Failed to load room document", http.StatusInternalServerError)
			return
		}

		snapshot, err := core.DecodeSnapshot(doc)
		if err != nil {
			log.WithError(err).Error("Stored room document is corrupt")
			http.Error(w, "Failed to decode room document", http.StatusInternalServerError)
			return
		}

		log.WithField("elements", snapshot.Len()).Debug("Served room elements")
		render.JSON(w, r, ElementsResponse{RoomID: roomID, Elements: snapshot.Elements()})
	}
}

// HandleDeleteElements wipes every element of a room, in memory and in the
// durable store. Only the host may do so.
func HandleDeleteElements(store core.DocumentStore, rooms RoomLookup, cache Resetter, transport Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")
		log := logrus.WithField("room_id", roomID)
		if !authorize(w, r, rooms, roomID, true) {
			return
		}

		resident := cache.Reset(roomID)
		if err := store.Delete(r.Context(), roomID); err != nil {
			log.WithError(err).Error("Failed to delete room document")
			http.Error(w, "Failed to delete room document", http.StatusInternalServerError)
			return
		}
		if resident && transport != nil {
			transport.EmitToGroup(roomID, EventElementsCleared, map[string]any{"roomId": roomID}, "")
		}

		log.Info("Room elements deleted")
		w.WriteHeader(http.StatusNoContent)
	}
}
