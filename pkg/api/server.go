// Package api exposes the supervisor's command surface over HTTP.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/cors"

	"github.com/waforge/waforge/pkg/manager"
)

type Server struct {
	logger  *log.Logger
	manager *manager.Manager
	fetcher *resty.Client
}

func NewServer(logger *log.Logger, mgr *manager.Manager) *Server {
	return &Server{
		logger:  logger,
		manager: mgr,
		fetcher: resty.New().SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)),
	}
}

// Handler builds the HTTP routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)

	r.Route("/instances", func(r chi.Router) {
		r.Post("/", s.handleCreateInstance)
		r.Get("/", s.handleListInstances)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetInstance)
			r.Delete("/", s.handleDeleteInstance)
			r.Post("/logout", s.handleLogout)
			r.Post("/reconnect", s.handleReconnect)
			r.Get("/qr", s.handleGetQR)
			r.Post("/send/text", s.handleSendText)
			r.Post("/send/media", s.handleSendMedia)
			r.Get("/groups", s.handleGroups)
			r.Get("/profile-picture", s.handleProfilePicture)
			r.Get("/messages", s.handleMessages)
		})
	})

	r.Get("/webhook", s.handleGetWebhook)
	r.Post("/webhook", s.handleSetWebhook)

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrInstanceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, manager.ErrInstanceExists):
		status = http.StatusConflict
	case errors.Is(err, manager.ErrInstanceNotConnected):
		status = http.StatusConflict
	case errors.Is(err, manager.ErrInvalidInstanceName):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeBody parses the JSON request body. A failure here is always the
// caller's fault, so handlers report it as a 400.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": errors.Wrap(err, "decoding request body").Error()})
		return false
	}
	return true
}
