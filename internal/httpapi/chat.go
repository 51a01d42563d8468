package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/medintel/internal/apperr"
	"github.com/ent0n29/medintel/internal/attachment"
	"github.com/ent0n29/medintel/internal/language"
	"github.com/ent0n29/medintel/internal/pipeline"
)

type createConversationRequest struct {
	UserID   string `json:"user_id"`
	Language string `json:"language"`
}

type sendMessageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Language  string `json:"language"`
}

type changeLanguageRequest struct {
	Language string `json:"language"`
}

type languageOption struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	Confirmation string `json:"confirmation"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	conv, err := s.turns.CreateConversation(r.Context(), req.UserID, req.Language)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.turns.Conversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.turns.DeleteConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Chat session deleted successfully"})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.turns.Messages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.turns.Conversations(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, convs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}
	res, err := s.turns.ProcessTurn(r.Context(), pipeline.TurnInput{
		ConversationID:   req.SessionID,
		Text:             req.Message,
		ExplicitLanguage: req.Language,
	})
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.attachments.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+(1<<20))
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondAppError(w, r, apperr.New(apperr.Oversized, "file too large", err))
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid multipart form")
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	sessionID := strings.TrimSpace(r.FormValue("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}
	message := strings.TrimSpace(r.FormValue("message"))
	if message == "" {
		message = attachment.DefaultMessage
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "file is required")
		return
	}
	defer file.Close()

	if _, err := s.turns.Conversation(r.Context(), sessionID); err != nil {
		s.respondAppError(w, r, err)
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "could not read file")
		return
	}
	payload, info, err := s.attachments.Prepare(header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	res, err := s.turns.ProcessTurn(r.Context(), pipeline.TurnInput{
		ConversationID:   sessionID,
		Text:             message,
		ExplicitLanguage: r.FormValue("language"),
		FallbackLanguage: language.English,
		Attachment:       payload,
		AttachmentInfo:   &info,
		DisplayText:      attachment.DisplayText(message, header.Filename),
	})
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleChangeLanguage(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("language"))
	if raw == "" {
		var req changeLanguageRequest
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		raw = req.Language
	}
	lang, phrase, err := s.turns.ChangeLanguage(r.Context(), chi.URLParam(r, "id"), raw)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": phrase, "language": string(lang)})
}

func (s *Server) handleListLanguages(w http.ResponseWriter, _ *http.Request) {
	out := make([]languageOption, 0, len(language.Supported()))
	for _, l := range language.Supported() {
		out = append(out, languageOption{Code: string(l), Name: l.Title(), Confirmation: language.Confirmation(l)})
	}
	respondJSON(w, http.StatusOK, out)
}
