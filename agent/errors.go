package agent

import (
	"encoding/json"
	"net/http"

	"github.com/guseggert/hostagent/agent/hosterr"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Operation string `json:"operation"`
	Error     string `json:"error"`
	Detail    string `json:"detail"`
}

// statusFor is the only place error kinds become HTTP status codes.
func statusFor(kind hosterr.Kind) int {
	switch kind {
	case hosterr.InvalidArgument:
		return http.StatusBadRequest
	case hosterr.Unauthorized:
		return http.StatusUnauthorized
	case hosterr.Forbidden, hosterr.PermissionDenied:
		return http.StatusForbidden
	case hosterr.NotFound:
		return http.StatusNotFound
	case hosterr.TimedOut:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *Agent) writeError(w http.ResponseWriter, op string, err error) {
	kind := hosterr.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		a.logger.Warnw("operation failed", "Operation", hosterr.OpOf(err, op), "Error", err)
	} else {
		a.logger.Debugw("operation rejected", "Operation", hosterr.OpOf(err, op), "Error", err)
	}
	a.writeJSON(w, status, ErrorResponse{
		Operation: hosterr.OpOf(err, op),
		Error:     kind.String(),
		Detail:    hosterr.Detail(err),
	})
}

func (a *Agent) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		a.logger.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(b)
	if err != nil {
		a.logger.Debugf("error writing response: %s", err)
	}
}

func (a *Agent) writeUnavailable(w http.ResponseWriter, op string, err error) {
	a.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
		Operation: op,
		Error:     "unavailable",
		Detail:    err.Error(),
	})
}
