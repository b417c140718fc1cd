package v1

import (
	"encoding/json"
	"net/http"

	taskererr "github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/logger"
)

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

// writeError maps a typed error onto an HTTP status. Internal details are
// logged, not leaked.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorResponse{Error: "internal error"}

	switch {
	case taskererr.IsValidation(err):
		status = http.StatusBadRequest
		body = errorResponse{Error: err.Error(), Type: taskererr.ErrValidation}
	case taskererr.IsNotFound(err):
		status = http.StatusNotFound
		body = errorResponse{Error: err.Error(), Type: taskererr.ErrNotFound}
	case taskererr.IsConflict(err):
		status = http.StatusConflict
		body = errorResponse{Error: err.Error(), Type: taskererr.ErrConflict}
	case taskererr.IsStorageConflict(err):
		status = http.StatusConflict
		body = errorResponse{Error: err.Error(), Type: taskererr.ErrStorageConflict}
	default:
		logger.Errorf("request failed: %v", err)
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("encoding response: %v", err)
	}
}
