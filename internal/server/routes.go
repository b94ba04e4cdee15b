package server

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

func (s *Server) RegisterRoutes() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/", s.helloHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ws/{roomID}", s.websocketHandler)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	})
	return c.Handler(router)
}

func (s *Server) helloHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"message": "lobby coordinator"}); err != nil {
		s.log.Debug().Err(err).Msg("failed to write response")
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	rooms, connections := s.hub.Counts()
	resp := map[string]any{
		"status":      "ok",
		"rooms":       rooms,
		"connections": connections,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Debug().Err(err).Msg("failed to write health response")
	}
}

const maxRoomIDLen = 64

// websocketHandler owns one connection's lifetime: accept, register with the
// room, pump inbound frames into the room actor, and unregister on any read
// error. Binary frames and over-budget senders are ignored, not answered.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	if roomID == "" || len(roomID) > maxRoomIDLen {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer sock.Close(websocket.StatusGoingAway, "server closing")

	room := s.hub.GetOrCreateRoom(roomID)
	c := &client{id: uuid.New().String(), sock: sock}
	s.log.Debug().Str("room", roomID).Str("conn", c.id).Msg("new connection")

	room.Connect(c)
	defer func() {
		room.Disconnect(c)
		s.limiter.RemoveConnection(c.id)
	}()

	ctx := r.Context()
	for {
		msgType, data, err := sock.Read(ctx)
		if err != nil {
			s.log.Debug().Err(err).Str("conn", c.id).Msg("connection closed")
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		if !s.limiter.Allow(c.id) {
			continue
		}
		room.Message(c, data)
	}
}
