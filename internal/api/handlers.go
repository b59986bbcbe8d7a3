package api

import (
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/collabfab/roomserver/internal/presence"
	"github.com/collabfab/roomserver/internal/server"
	"github.com/collabfab/roomserver/internal/types"
)

func (s *RoomApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *RoomApp) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
}

func (s *RoomApp) serveChatWs(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	roomKey := server.ChatRoomKey(r.PathValue("id"))
	s.attachSocket(w, r, roomKey, 0, identity)
}

func (s *RoomApp) serveDocWs(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFrom(r.Context())
		if !ok {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		version := 1
		if v := r.URL.Query().Get("version"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed < 1 {
				errResp := NewBadRequestError()
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
			version = parsed
		}

		roomKey := server.DocumentRoomKey(kind, r.PathValue("id"), version)
		s.attachSocket(w, r, roomKey, version, identity)
	}
}

func (s *RoomApp) attachSocket(w http.ResponseWriter, r *http.Request, roomKey string, version int, identity types.Identity) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(identity, conn, s.rs, s.log)
	if err := s.rs.Attach(client, roomKey, version); err != nil {
		s.log.Printf("attach to room %q: %v", roomKey, err)
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}

func (s *RoomApp) servePresenceWs(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	s.aggregator.Subscribe(conn)
}

func (s *RoomApp) readPresence(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, s.aggregator.Read())
}

func (s *RoomApp) pushPresence(w http.ResponseWriter, r *http.Request) {
	var update presence.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if update.Id == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	switch update.Action {
	case presence.ActionEnter, presence.ActionLeave, presence.ActionDelete:
	default:
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, s.aggregator.Push(update))
}

type deleteRequest struct {
	Id string `json:"id"`
}

// deletePresence removes one entry when the body names a room, or
// resets the whole store when it doesn't (maintenance path).
func (s *RoomApp) deletePresence(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req deleteRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	if req.Id != "" {
		list := s.aggregator.Push(presence.Update{Id: req.Id, Action: presence.ActionDelete})
		s.writeJson(w, http.StatusOK, list)
		return
	}

	s.aggregator.Reset()
	s.writeJson(w, http.StatusOK, map[string]string{"message": "all room history cleared"})
}
