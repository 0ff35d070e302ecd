package registry

import (
	"encoding/json"
	"net/http"
)

// Error codes from the Docker Registry v2 API error specification.
const (
	CodeNameUnknown     = "NAME_UNKNOWN"
	CodeManifestUnknown = "MANIFEST_UNKNOWN"
	CodeBlobUnknown     = "BLOB_UNKNOWN"
	CodeUnsupported     = "UNSUPPORTED"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type errorEnvelope struct {
	Errors []apiError `json:"errors"`
}

// writeError sends a registry-style JSON error body. Docker clients key off
// the code field, not the HTTP status.
func writeError(w http.ResponseWriter, status int, code, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Docker-Distribution-API-Version", apiVersion)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Errors: []apiError{{Code: code, Message: message, Detail: detail}},
	})
}
