package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"

	"github.com/waforge/waforge/pkg/session"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	snapshot, err := s.manager.CreateInstance(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, snapshot)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.ListInstances())
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.manager.GetInstance(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteInstance(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.LogoutInstance(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ReconnectInstance(chi.URLParam(r, "name")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reconnecting"})
}

func (s *Server) handleGetQR(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.manager.GetInstance(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if snapshot.QRCode == "" {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pairing code available"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"qrcode": snapshot.QRCode})
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.To == "" || req.Text == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to and text are required"})
		return
	}
	id, err := s.manager.SendText(r.Context(), chi.URLParam(r, "name"), req.To, req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"messageId": id})
}

func (s *Server) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To       string `json:"to"`
		URL      string `json:"url"`
		Type     string `json:"type"`
		Caption  string `json:"caption,omitempty"`
		Filename string `json:"filename,omitempty"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.To == "" || req.URL == "" || req.Type == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "to, url and type are required"})
		return
	}

	resp, err := s.fetcher.R().SetContext(r.Context()).Get(req.URL)
	if err != nil {
		s.writeError(w, errors.Wrap(err, "fetching media"))
		return
	}
	if resp.IsError() {
		s.writeJSON(w, http.StatusBadGateway,
			map[string]string{"error": "media fetch returned " + resp.Status()})
		return
	}

	id, err := s.manager.SendMedia(r.Context(), chi.URLParam(r, "name"), req.To, session.OutboundMedia{
		Kind:     req.Type,
		Data:     resp.Body(),
		Mimetype: resp.Header().Get("Content-Type"),
		Caption:  req.Caption,
		Filename: req.Filename,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"messageId": id})
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.manager.Groups(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleProfilePicture(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target is required"})
		return
	}
	url, err := s.manager.ProfilePicture(r.Context(), chi.URLParam(r, "name"), target)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	chat := r.URL.Query().Get("chat")
	if chat == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat is required"})
		return
	}
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))
	messages, err := s.manager.Messages(chi.URLParam(r, "name"), chat, count)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"url": s.manager.WebhookURL()})
}

func (s *Server) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.manager.SetWebhookURL(r.Context(), req.URL); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"url": req.URL})
}
