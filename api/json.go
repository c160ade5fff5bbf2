package api

import (
	"encoding/json"
	"net/http"
)

// writeJSON renders v with the given status.  Encoding failures are
// unrecoverable at this point (headers already sent), so they are
// ignored.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
