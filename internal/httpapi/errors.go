package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/medintel/internal/apperr"
)

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.InvalidLanguage, apperr.UnsupportedMedia, apperr.InvalidInput, apperr.BlockedContent:
		return http.StatusBadRequest
	case apperr.Oversized:
		return http.StatusRequestEntityTooLarge
	case apperr.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondAppError maps the error taxonomy onto HTTP. Unavailable keeps the
// backend detail; internal failures are not echoed to the caller.
func (s *Server) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)

	message := "internal error"
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Reason
		if code == apperr.Unavailable && appErr.Err != nil {
			message = appErr.Reason + ": " + appErr.Err.Error()
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		if code == apperr.Internal {
			message = "internal error"
		}
	}
	respondError(w, status, strings.ToLower(string(code)), message)
}
