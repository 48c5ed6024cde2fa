package licensing

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// WriteError writes the canonical error body for code.
func WriteError(w http.ResponseWriter, code Code, message string) {
	if message == "" {
		message = ReasonMessage(code)
	}
	WriteJSON(w, StatusForCode(code), ErrorResponse{
		Error:   string(code),
		Message: message,
	})
}

// WriteFeatureLocked writes the canonical 402 response for a locked
// capability.
func WriteFeatureLocked(w http.ResponseWriter, feature string) {
	WriteJSON(w, http.StatusPaymentRequired, map[string]string{
		"error":   "license_required",
		"feature": feature,
		"message": GetFeatureDisplayName(feature) + " requires an active license",
	})
}
