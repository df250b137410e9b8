// Package rooms serves room metadata over REST.
package rooms

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"whiteboard-server/core"
	"whiteboard-server/middleware"
)

type (
	CreateRoomRequest struct {
		Capacity             int      `json:"capacity" validate:"gte=0,lte=1000"`
		SessionDurationLimit int      `json:"sessionDurationLimit" validate:"gte=0,lte=10080"`
		Participants         []string `json:"participants" validate:"omitempty,max=1000,dive,required"`
	}

	RoomResponse struct {
		core.Room
		Users     int    `json:"users"`
		ExpiresAt *int64 `json:"expiresAt,omitempty"`
	}

	// RoomSummary is one entry of the room list.
	RoomSummary struct {
		ID         string          `json:"id"`
		Users      int             `json:"users"`
		LastActive *int64          `json:"lastActive,omitempty"`
		Status     core.RoomStatus `json:"status,omitempty"`
	}

	// Occupancy reports live sessions per room.
	Occupancy interface {
		Occupancies() map[string]int
	}
)

var validate = validator.New()

func toResponse(room *core.Room, users int) RoomResponse {
	resp := RoomResponse{Room: *room, Users: users}
	if at, ok := room.ExpiresAt(); ok {
		ms := at.UnixMilli()
		resp.ExpiresAt = &ms
	}
	return resp
}

// HandleCreate creates a room hosted by the caller.
func HandleCreate(registry core.RoomRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := middleware.IdentityFrom(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var req CreateRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			logrus.WithError(err).Debug("Failed to decode create room request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := validate.Struct(req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": err.Error()})
			return
		}

		now := time.Now().UTC()
		room := &core.Room{
			ID:                   ulid.Make().String(),
			HostID:               identity.ID,
			Participants:         dedupe(req.Participants, identity.ID),
			Capacity:             req.Capacity,
			CreatedAt:            now,
			SessionDurationLimit: req.SessionDurationLimit,
			Status:               core.RoomActive,
			LastActive:           now.UnixMilli(),
		}
		if err := registry.CreateRoom(r.Context(), room); err != nil {
			logrus.WithError(err).Error("Failed to create room")
			http.Error(w, "Failed to create room", http.StatusInternalServerError)
			return
		}

		logrus.WithFields(logrus.Fields{
			"room_id": room.ID,
			"host_id": room.HostID,
		}).Info("Room created")

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, toResponse(room, 0))
	}
}

func dedupe(ids []string, exclude string) []string {
	seen := map[string]bool{exclude: true}
	out := []string{}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// HandleGet returns one room with its live session count.
func HandleGet(registry core.RoomRegistry, occupancy Occupancy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")

		room, err := registry.GetRoom(r.Context(), roomID)
		if err != nil {
			if errors.Is(err, core.ErrRoomNotFound) {
				http.Error(w, "Room not found", http.StatusNotFound)
				return
			}
			logrus.WithError(err).WithField("room_id", roomID).Error("Failed to get room")
			http.Error(w, "Failed to get room", http.StatusInternalServerError)
			return
		}

		render.JSON(w, r, toResponse(room, occupancy.Occupancies()[roomID]))
	}
}

// HandleList merges live rooms with the registry, busiest first, then most
// recently active.
func HandleList(registry core.RoomRegistry, occupancy Occupancy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomMap := make(map[string]*RoomSummary)
		for id, count := range occupancy.Occupancies() {
			roomMap[id] = &RoomSummary{ID: id, Users: count}
		}

		if registry != nil {
			if storedRooms, err := registry.ListRooms(r.Context()); err != nil {
				logrus.WithError(err).Warn("failed to list rooms from registry")
			} else {
				for _, room := range storedRooms {
					entry, exists := roomMap[room.ID]
					if !exists {
						entry = &RoomSummary{ID: room.ID}
						roomMap[room.ID] = entry
					}
					entry.Status = room.Status
					if room.LastActive > 0 {
						lastActive := room.LastActive
						entry.LastActive = &lastActive
					}
				}
			}
		}

		roomList := make([]RoomSummary, 0, len(roomMap))
		for _, entry := range roomMap {
			roomList = append(roomList, *entry)
		}
		sortSummaries(roomList)

		render.JSON(w, r, roomList)
	}
}

func sortSummaries(roomList []RoomSummary) {
	lastActive := func(s RoomSummary) int64 {
		if s.LastActive == nil {
			return 0
		}
		return *s.LastActive
	}

	sort.Slice(roomList, func(i, j int) bool {
		if roomList[i].Users != roomList[j].Users {
			return roomList[i].Users > roomList[j].Users
		}
		li, lj := lastActive(roomList[i]), lastActive(roomList[j])
		if li == lj {
			return roomList[i].ID < roomList[j].ID
		}
		return li > lj
	})
}
