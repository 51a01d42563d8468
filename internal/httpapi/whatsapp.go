package httpapi

import (
	"net/http"
	"strings"

	"github.com/ent0n29/medintel/internal/apperr"
	"github.com/ent0n29/medintel/internal/bridge"
)

type whatsAppSendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (s *Server) handleWhatsAppSend(w http.ResponseWriter, r *http.Request) {
	if !s.bridge.Enabled() {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "WhatsApp service is not configured")
		return
	}
	var req whatsAppSendRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	sid, err := s.bridge.Send(r.Context(), req.To, req.Message)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"sid":    sid,
		"to":     bridge.StripAddress(req.To),
	})
}

// handleWhatsAppIncoming is the Twilio webhook. Twilio only needs a plain-text status.
func (s *Server) handleWhatsAppIncoming(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !s.bridge.Enabled() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Service unavailable"))
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Bad request"))
		return
	}
	from := r.PostForm.Get("From")
	body := strings.TrimSpace(r.PostForm.Get("Body"))

	if err := s.bridge.HandleInbound(r.Context(), from, body); err != nil {
		w.WriteHeader(statusFor(apperr.CodeOf(err)))
		_, _ = w.Write([]byte("Error"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
