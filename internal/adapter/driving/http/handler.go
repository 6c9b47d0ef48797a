package http

import (
	"net/http"

	"github.com/Wyydra/callsig/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/callsig/internal/core/port"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

type Handler struct {
	Hub            *ws.Hub
	Store          port.CallRecordStore
	Limits         ws.Limits
	AllowedOrigins []string
}

func NewHandler(hub *ws.Hub, store port.CallRecordStore, limits ws.Limits, allowedOrigins []string) *Handler {
	return &Handler{
		Hub:            hub,
		Store:          store,
		Limits:         limits,
		AllowedOrigins: allowedOrigins,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Get("/ws", h.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/calls", h.RecordCall)
		r.Get("/calls/{callID}", h.GetCall)
		r.Get("/users/{userID}/calls", h.ListUserCalls)
	})

	origins := h.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}
