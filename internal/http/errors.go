package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/provider-matching/internal/apperr"
	"github.com/example/provider-matching/internal/logging"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto its status and stable code. Internal causes are
// logged and never sent to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal && errors.Is(err, context.DeadlineExceeded) {
		kind = apperr.KindTimeout
		err = apperr.Wrap(apperr.KindTimeout, err, "deadline exceeded")
	}
	status := apperr.HTTPStatus(kind)
	log := logging.FromContext(r.Context(), s.logger)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "kind", kind, "error", err)
	} else {
		log.Debug("request rejected", "kind", kind, "error", err)
	}
	writeJSON(w, status, errorBody{Code: string(kind), Message: apperr.PublicMessage(err)})
}
