package http

import (
	"net/http"

	"github.com/Wyydra/callsig/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Native softphones send no Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades to the relay protocol. The user id comes from the query
// string; identity is established elsewhere.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(r.URL.Query().Get("user"))
	if user == "" {
		errorWithMessage(w, http.StatusBadRequest, "missing user")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	ws.NewClient(h.Hub, conn, user, h.Limits).Serve()
}
