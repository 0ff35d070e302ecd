// Package api implements the management REST API under /pulp/api/v3/.
// Long-running operations return 202 with a task href; clients poll the
// task until it settles.
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
)

// Prefix is the root of the management API
const Prefix = "/pulp/api/v3"

func repositoryHref(id uuid.UUID) string {
	return fmt.Sprintf("%s/repositories/%s/", Prefix, id)
}

func versionHref(repositoryID uuid.UUID, number int64) string {
	return fmt.Sprintf("%s/repositories/%s/versions/%d/", Prefix, repositoryID, number)
}

func distributionHref(id uuid.UUID) string {
	return fmt.Sprintf("%s/docker-distributions/%s/", Prefix, id)
}

func remoteHref(id uuid.UUID) string {
	return fmt.Sprintf("%s/remotes/docker/%s/", Prefix, id)
}

func taskHref(id uuid.UUID) string {
	return fmt.Sprintf("%s/tasks/%s/", Prefix, id)
}

// respondError maps service errors to HTTP statuses. Validation failures are
// client errors; unknown resources are 404s; anything else is a 500.
func respondError(w http.ResponseWriter, err error) {
	var verr *pulpdocker.ValidationError
	if errors.As(err, &verr) {
		http.Error(w, verr.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case errors.Is(err, pulpdocker.ErrRepositoryNotFound),
		errors.Is(err, pulpdocker.ErrVersionNotFound),
		errors.Is(err, pulpdocker.ErrManifestNotFound),
		errors.Is(err, pulpdocker.ErrTagNotFound),
		errors.Is(err, pulpdocker.ErrBlobNotFound),
		errors.Is(err, pulpdocker.ErrDistributionNotFound),
		errors.Is(err, pulpdocker.ErrRemoteNotFound),
		errors.Is(err, pulpdocker.ErrTaskNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, pulpdocker.ErrBasePathTaken):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// parseID parses a uuid path parameter, writing a 400 on failure
func parseID(w http.ResponseWriter, raw, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "Invalid "+what+" ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// TaskResponse is the 202 body returned for asynchronous operations
type TaskResponse struct {
	Task string `json:"task"`
}
