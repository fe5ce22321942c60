package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/manifold-api/manifold/pkg/engine"
)

// writeError renders a structured error as a JSON:API errors document. The
// body is marshaled before any byte is written.
func writeError(w http.ResponseWriter, apiErr *engine.Error) {
	body := map[string]interface{}{
		"errors": []engine.ErrorObject{{
			Status: strconv.Itoa(apiErr.Status),
			Title:  http.StatusText(apiErr.Status),
			Detail: apiErr.Message,
		}},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(http.StatusText(http.StatusInternalServerError)))
		return
	}
	w.Header().Set("Content-Type", engine.JSONAPIMediaType)
	w.WriteHeader(apiErr.Status)
	w.Write(payload)
}
