package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ExpTools/internal/models"
)

// fallbackErrorResponse is sent when a status snapshot cannot be encoded.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Failed to encode monitor response"))
	if err != nil {
		panic(fmt.Sprintf("monitor: failed to marshal fallback response: %v", err))
	}
}

// writeResult wraps result in a success envelope.
func writeResult(w http.ResponseWriter, result any) {
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// writeError wraps message in an error envelope.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSONResponse(w, statusCode, models.Error(message))
}

// writeJSONResponse encodes response before touching the headers, so an encoding
// failure still yields a well-formed 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Monitor response encoding failed", "status", statusCode, "error", err)
		data = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		slog.Debug("Monitor client went away", "error", err)
	}
}
