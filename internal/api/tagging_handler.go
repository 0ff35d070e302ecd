package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/tasks"
)

// TaggingHandler handles the docker/tag and docker/untag endpoints. Both
// validate synchronously so bad requests fail with a 400 before any task is
// queued.
type TaggingHandler struct {
	svc    pulpdocker.Service
	runner *tasks.Runner
}

// NewTaggingHandler creates a new tagging handler
func NewTaggingHandler(svc pulpdocker.Service, runner *tasks.Runner) *TaggingHandler {
	return &TaggingHandler{svc: svc, runner: runner}
}

// Routes returns the routes for image tagging
func (h *TaggingHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/tag", h.TagImage)
	r.Post("/untag", h.UntagImage)

	return r
}

// TagImageRequest is the request body for tagging an image
type TagImageRequest struct {
	Repository        string `json:"repository"`
	RepositoryVersion string `json:"repository_version,omitempty"`
	Tag               string `json:"tag"`
	Digest            string `json:"digest"`
}

// TagImage dispatches a task tagging a manifest within a repository
func (h *TaggingHandler) TagImage(w http.ResponseWriter, r *http.Request) {
	var body TagImageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := pulpdocker.TagImageRequest{Tag: body.Tag}

	if body.Repository != "" {
		id, err := uuid.Parse(body.Repository)
		if err != nil {
			http.Error(w, "Invalid repository ID", http.StatusBadRequest)
			return
		}
		req.RepositoryID = &id
	}
	if body.RepositoryVersion != "" {
		id, err := uuid.Parse(body.RepositoryVersion)
		if err != nil {
			http.Error(w, "Invalid repository version ID", http.StatusBadRequest)
			return
		}
		req.RepositoryVersionID = &id
	}
	dgst, err := digest.Parse(body.Digest)
	if err != nil {
		http.Error(w, "Invalid digest", http.StatusBadRequest)
		return
	}
	req.Digest = dgst

	if err := h.svc.ValidateTagImage(r.Context(), req); err != nil {
		respondError(w, err)
		return
	}

	task, err := h.runner.Dispatch(r.Context(), "docker.tag", h.reservations(req.RepositoryID),
		func(ctx context.Context) ([]string, error) {
			version, err := h.svc.TagImage(ctx, req)
			if err != nil {
				return nil, err
			}
			return []string{versionHref(version.RepositoryID, version.Number)}, nil
		})
	if err != nil {
		respondError(w, err)
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, TaskResponse{Task: taskHref(task.ID)})
}

// UntagImageRequest is the request body for removing a tag
type UntagImageRequest struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

// UntagImage dispatches a task removing every tag with the given name from
// the repository's next version.
func (h *TaggingHandler) UntagImage(w http.ResponseWriter, r *http.Request) {
	var body UntagImageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := uuid.Parse(body.Repository)
	if err != nil {
		http.Error(w, "Invalid repository ID", http.StatusBadRequest)
		return
	}
	req := pulpdocker.UntagImageRequest{RepositoryID: &id, Tag: body.Tag}

	if err := h.svc.ValidateUntagImage(r.Context(), req); err != nil {
		respondError(w, err)
		return
	}

	task, err := h.runner.Dispatch(r.Context(), "docker.untag", []string{repositoryHref(id)},
		func(ctx context.Context) ([]string, error) {
			version, err := h.svc.UntagImage(ctx, req)
			if err != nil {
				return nil, err
			}
			return []string{versionHref(version.RepositoryID, version.Number)}, nil
		})
	if err != nil {
		respondError(w, err)
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, TaskResponse{Task: taskHref(task.ID)})
}

func (h *TaggingHandler) reservations(repositoryID *uuid.UUID) []string {
	if repositoryID == nil {
		return nil
	}
	return []string{repositoryHref(*repositoryID)}
}
