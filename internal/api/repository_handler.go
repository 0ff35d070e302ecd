package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/tasks"
)

// RepositoryHandler handles HTTP requests for repositories and their
// versions
type RepositoryHandler struct {
	svc    pulpdocker.Service
	runner *tasks.Runner
}

// NewRepositoryHandler creates a new repository handler
func NewRepositoryHandler(svc pulpdocker.Service, runner *tasks.Runner) *RepositoryHandler {
	return &RepositoryHandler{svc: svc, runner: runner}
}

// Routes returns the routes for repositories
func (h *RepositoryHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateRepository)
	r.Get("/", h.ListRepositories)
	r.Get("/{id}", h.GetRepository)
	r.Delete("/{id}", h.DeleteRepository)

	r.Get("/{id}/versions", h.ListVersions)
	r.Get("/{id}/versions/{number}", h.GetVersion)
	r.Post("/{id}/modify", h.ModifyRepository)

	return r
}

// CreateRepositoryRequest is the request body for creating a repository
type CreateRepositoryRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// RepositoryResponse is the response body for a repository
type RepositoryResponse struct {
	PulpHref      string    `json:"pulp_href"`
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	LatestVersion string    `json:"latest_version_href"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (h *RepositoryHandler) repositoryResponse(ctx context.Context, repo *pulpdocker.Repository) RepositoryResponse {
	resp := RepositoryResponse{
		PulpHref:    repositoryHref(repo.ID),
		ID:          repo.ID.String(),
		Name:        repo.Name,
		Description: repo.Description,
		CreatedAt:   repo.CreatedAt,
		UpdatedAt:   repo.UpdatedAt,
	}
	if latest, err := h.svc.LatestVersion(ctx, repo.ID); err == nil {
		resp.LatestVersion = versionHref(repo.ID, latest.Number)
	}
	return resp
}

// CreateRepository creates a new repository with an empty version 0
func (h *RepositoryHandler) CreateRepository(w http.ResponseWriter, r *http.Request) {
	var req CreateRepositoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	repo, err := h.svc.CreateRepository(r.Context(), pulpdocker.CreateRepositoryRequest{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, h.repositoryResponse(r.Context(), repo))
}

// GetRepository retrieves a repository by ID
func (h *RepositoryHandler) GetRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "repository")
	if !ok {
		return
	}

	repo, err := h.svc.GetRepository(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	render.JSON(w, r, h.repositoryResponse(r.Context(), repo))
}

// ListRepositories lists all repositories
func (h *RepositoryHandler) ListRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := h.svc.ListRepositories(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	results := make([]RepositoryResponse, 0, len(repos))
	for _, repo := range repos {
		results = append(results, h.repositoryResponse(r.Context(), repo))
	}
	render.JSON(w, r, map[string]interface{}{"count": len(results), "results": results})
}

// DeleteRepository dispatches a task deleting a repository and its versions
func (h *RepositoryHandler) DeleteRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "repository")
	if !ok {
		return
	}
	if _, err := h.svc.GetRepository(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}

	task, err := h.runner.Dispatch(r.Context(), "repository.delete", []string{repositoryHref(id)},
		func(ctx context.Context) ([]string, error) {
			return nil, h.svc.DeleteRepository(ctx, id)
		})
	if err != nil {
		respondError(w, err)
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, TaskResponse{Task: taskHref(task.ID)})
}

// VersionResponse is the response body for a repository version
type VersionResponse struct {
	PulpHref       string         `json:"pulp_href"`
	Number         int64          `json:"number"`
	ContentSummary map[string]int `json:"content_summary"`
	ContentIDs     []uuid.UUID    `json:"content_ids,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (h *RepositoryHandler) versionResponse(ctx context.Context, version *pulpdocker.RepositoryVersion, withContent bool) (VersionResponse, error) {
	content, err := h.svc.VersionContent(ctx, version)
	if err != nil {
		return VersionResponse{}, err
	}
	resp := VersionResponse{
		PulpHref: versionHref(version.RepositoryID, version.Number),
		Number:   version.Number,
		ContentSummary: map[string]int{
			"tags":      len(content.Tags),
			"manifests": len(content.Manifests),
			"blobs":     len(content.Blobs),
		},
		CreatedAt: version.CreatedAt,
	}
	if withContent {
		resp.ContentIDs = version.ContentIDs
	}
	return resp, nil
}

// ListVersions lists the versions of a repository
func (h *RepositoryHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "repository")
	if !ok {
		return
	}

	versions, err := h.svc.ListVersions(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	results := make([]VersionResponse, 0, len(versions))
	for _, version := range versions {
		resp, err := h.versionResponse(r.Context(), version, false)
		if err != nil {
			respondError(w, err)
			return
		}
		results = append(results, resp)
	}
	render.JSON(w, r, map[string]interface{}{"count": len(results), "results": results})
}

// GetVersion retrieves one numbered version of a repository
func (h *RepositoryHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "repository")
	if !ok {
		return
	}
	number, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid version number", http.StatusBadRequest)
		return
	}

	version, err := h.svc.GetVersion(r.Context(), id, number)
	if err != nil {
		respondError(w, err)
		return
	}
	resp, err := h.versionResponse(r.Context(), version, true)
	if err != nil {
		respondError(w, err)
		return
	}
	render.JSON(w, r, resp)
}

// ModifyRequest is the request body for adding or removing content units
type ModifyRequest struct {
	AddContentUnits    []string `json:"add_content_units"`
	RemoveContentUnits []string `json:"remove_content_units"`
}

// ModifyRepository dispatches a task creating a new version with content
// added and removed.
func (h *RepositoryHandler) ModifyRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "repository")
	if !ok {
		return
	}

	var req ModifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	add, err := parseIDs(req.AddContentUnits)
	if err != nil {
		http.Error(w, "Invalid content unit ID in add_content_units", http.StatusBadRequest)
		return
	}
	remove, err := parseIDs(req.RemoveContentUnits)
	if err != nil {
		http.Error(w, "Invalid content unit ID in remove_content_units", http.StatusBadRequest)
		return
	}
	if _, err := h.svc.GetRepository(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}

	task, err := h.runner.Dispatch(r.Context(), "repository.modify", []string{repositoryHref(id)},
		func(ctx context.Context) ([]string, error) {
			version, err := h.svc.ModifyRepository(ctx, pulpdocker.ModifyRepositoryRequest{
				RepositoryID: id,
				Add:          add,
				Remove:       remove,
			})
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

func parseIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
