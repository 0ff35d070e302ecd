package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/sync"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/tasks"
)

// RemoteHandler handles HTTP requests for remotes and sync dispatch
type RemoteHandler struct {
	svc    pulpdocker.Service
	syncer *sync.Syncer
	runner *tasks.Runner
}

// NewRemoteHandler creates a new remote handler
func NewRemoteHandler(svc pulpdocker.Service, syncer *sync.Syncer, runner *tasks.Runner) *RemoteHandler {
	return &RemoteHandler{svc: svc, syncer: syncer, runner: runner}
}

// Routes returns the routes for remotes
func (h *RemoteHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateRemote)
	r.Get("/", h.ListRemotes)
	r.Get("/{id}", h.GetRemote)
	r.Put("/{id}", h.UpdateRemote)
	r.Delete("/{id}", h.DeleteRemote)
	r.Post("/{id}/sync", h.Sync)

	return r
}

// RemoteRequest is the request body for creating or updating a remote
type RemoteRequest struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	UpstreamName  string `json:"upstream_name"`
	WhitelistTags string `json:"whitelist_tags,omitempty"`
	Policy        string `json:"policy,omitempty"`
}

// RemoteResponse is the response body for a remote
type RemoteResponse struct {
	PulpHref      string    `json:"pulp_href"`
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	URL           string    `json:"url"`
	UpstreamName  string    `json:"upstream_name"`
	WhitelistTags string    `json:"whitelist_tags,omitempty"`
	Policy        string    `json:"policy"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func remoteResponse(remote *pulpdocker.Remote) RemoteResponse {
	return RemoteResponse{
		PulpHref:      remoteHref(remote.ID),
		ID:            remote.ID.String(),
		Name:          remote.Name,
		URL:           remote.URL,
		UpstreamName:  remote.UpstreamName,
		WhitelistTags: remote.WhitelistTags,
		Policy:        string(remote.Policy),
		CreatedAt:     remote.CreatedAt,
		UpdatedAt:     remote.UpdatedAt,
	}
}

// CreateRemote creates a new remote
func (h *RemoteHandler) CreateRemote(w http.ResponseWriter, r *http.Request) {
	var body RemoteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	remote, err := h.svc.CreateRemote(r.Context(), pulpdocker.CreateRemoteRequest{
		Name:          body.Name,
		URL:           body.URL,
		UpstreamName:  body.UpstreamName,
		WhitelistTags: body.WhitelistTags,
		Policy:        pulpdocker.DownloadPolicy(body.Policy),
	})
	if err != nil {
		respondError(w, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, remoteResponse(remote))
}

// GetRemote retrieves a remote by ID
func (h *RemoteHandler) GetRemote(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "remote")
	if !ok {
		return
	}
	remote, err := h.svc.GetRemote(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	render.JSON(w, r, remoteResponse(remote))
}

// ListRemotes lists all remotes
func (h *RemoteHandler) ListRemotes(w http.ResponseWriter, r *http.Request) {
	remotes, err := h.svc.ListRemotes(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	results := make([]RemoteResponse, 0, len(remotes))
	for _, remote := range remotes {
		results = append(results, remoteResponse(remote))
	}
	render.JSON(w, r, map[string]interface{}{"count": len(results), "results": results})
}

// UpdateRemote updates a remote's fields
func (h *RemoteHandler) UpdateRemote(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "remote")
	if !ok {
		return
	}

	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := pulpdocker.UpdateRemoteRequest{}
	if v, ok := body["name"]; ok {
		req.Name = &v
	}
	if v, ok := body["url"]; ok {
		req.URL = &v
	}
	if v, ok := body["upstream_name"]; ok {
		req.UpstreamName = &v
	}
	if v, ok := body["whitelist_tags"]; ok {
		req.WhitelistTags = &v
	}
	if v, ok := body["policy"]; ok {
		policy := pulpdocker.DownloadPolicy(v)
		req.Policy = &policy
	}

	remote, err := h.svc.UpdateRemote(r.Context(), id, req)
	if err != nil {
		respondError(w, err)
		return
	}
	render.JSON(w, r, remoteResponse(remote))
}

// DeleteRemote deletes a remote by ID
func (h *RemoteHandler) DeleteRemote(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "remote")
	if !ok {
		return
	}
	if err := h.svc.DeleteRemote(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncRequest is the request body for dispatching a sync
type SyncRequest struct {
	Repository string `json:"repository"`
}

// Sync dispatches a task pulling the remote's content into a repository.
// The repository field has to be provided.
func (h *RemoteHandler) Sync(w http.ResponseWriter, r *http.Request) {
	remoteID, ok := parseID(w, chi.URLParam(r, "id"), "remote")
	if !ok {
		return
	}

	var body SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Repository == "" {
		http.Error(w, "repository is required", http.StatusBadRequest)
		return
	}
	repositoryID, err := uuid.Parse(body.Repository)
	if err != nil {
		http.Error(w, "Invalid repository ID", http.StatusBadRequest)
		return
	}

	// Validate synchronously to return 400/404 errors before queueing.
	if _, err := h.svc.GetRemote(r.Context(), remoteID); err != nil {
		respondError(w, err)
		return
	}
	if _, err := h.svc.GetRepository(r.Context(), repositoryID); err != nil {
		respondError(w, err)
		return
	}

	reservations := []string{repositoryHref(repositoryID), remoteHref(remoteID)}
	task, err := h.runner.Dispatch(r.Context(), "docker.sync", reservations,
		func(ctx context.Context) ([]string, error) {
			version, err := h.syncer.Sync(ctx, repositoryID, remoteID)
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
