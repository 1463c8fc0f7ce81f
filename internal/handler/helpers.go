package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/nyatishield/nyati/internal/apierr"
)

// maxJSONBody bounds request bodies decoded by readJSON.
const maxJSONBody = 64 << 10

var errBadBody = apierr.New(apierr.BadRequest, "Invalid request body", "The request body must be a valid JSON object.")

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the shared error
// envelope.
func writeError(w http.ResponseWriter, kind apierr.Kind, code, message string) {
	apierr.Write(w, apierr.New(kind, code, message))
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apierr.Wrap(apierr.BadRequest, "Request body too large",
			"The request body exceeds the maximum allowed size.", err)
	}
	if err != nil {
		// Decoder errors name Go types; the cause is kept for logging only.
		return apierr.Wrap(apierr.BadRequest, errBadBody.Code, errBadBody.Message, err)
	}
	return nil
}

// rejectBody logs why readJSON failed and writes the client-facing error.
func rejectBody(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Debug("rejected request body", "error", err)
	apierr.Write(w, err)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// clampInt constrains val to be within [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
