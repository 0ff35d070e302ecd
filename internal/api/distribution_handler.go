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
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/tasks"
)

// DistributionHandler handles HTTP requests for distributions. Create,
// update and delete are asynchronous; the 202 response carries a task href.
type DistributionHandler struct {
	svc    pulpdocker.Service
	runner *tasks.Runner
}

// NewDistributionHandler creates a new distribution handler
func NewDistributionHandler(svc pulpdocker.Service, runner *tasks.Runner) *DistributionHandler {
	return &DistributionHandler{svc: svc, runner: runner}
}

// Routes returns the routes for distributions
func (h *DistributionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateDistribution)
	r.Get("/", h.ListDistributions)
	r.Get("/{id}", h.GetDistribution)
	r.Put("/{id}", h.UpdateDistribution)
	r.Patch("/{id}", h.PartialUpdateDistribution)
	r.Delete("/{id}", h.DeleteDistribution)

	return r
}

// DistributionRequest is the request body for creating or updating a
// distribution
type DistributionRequest struct {
	Name       string `json:"name"`
	BasePath   string `json:"base_path"`
	Repository string `json:"repository,omitempty"`
	Version    *int64 `json:"repository_version,omitempty"`
}

// DistributionResponse is the response body for a distribution. The
// registry path is what docker pull takes, computed against the request
// host unless a content host is configured.
type DistributionResponse struct {
	PulpHref     string    `json:"pulp_href"`
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	BasePath     string    `json:"base_path"`
	Repository   string    `json:"repository,omitempty"`
	Version      *int64    `json:"repository_version,omitempty"`
	RegistryPath string    `json:"registry_path"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (h *DistributionHandler) distributionResponse(dist *pulpdocker.Distribution, requestHost string) DistributionResponse {
	resp := DistributionResponse{
		PulpHref:     distributionHref(dist.ID),
		ID:           dist.ID.String(),
		Name:         dist.Name,
		BasePath:     dist.BasePath,
		Version:      dist.Version,
		RegistryPath: h.svc.RegistryPath(dist, requestHost),
		CreatedAt:    dist.CreatedAt,
		UpdatedAt:    dist.UpdatedAt,
	}
	if dist.RepositoryID != nil {
		resp.Repository = dist.RepositoryID.String()
	}
	return resp
}

// CreateDistribution dispatches a task creating a distribution
func (h *DistributionHandler) CreateDistribution(w http.ResponseWriter, r *http.Request) {
	var body DistributionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.BasePath == "" {
		http.Error(w, "name and base_path are required", http.StatusBadRequest)
		return
	}

	req := pulpdocker.CreateDistributionRequest{
		Name:     body.Name,
		BasePath: body.BasePath,
		Version:  body.Version,
	}
	if body.Repository != "" {
		id, err := uuid.Parse(body.Repository)
		if err != nil {
			http.Error(w, "Invalid repository ID", http.StatusBadRequest)
			return
		}
		req.RepositoryID = &id
	}

	task, err := h.runner.Dispatch(r.Context(), "distribution.create", []string{Prefix + "/docker-distributions/"},
		func(ctx context.Context) ([]string, error) {
			dist, err := h.svc.CreateDistribution(ctx, req)
			if err != nil {
				return nil, err
			}
			return []string{distributionHref(dist.ID)}, nil
		})
	if err != nil {
		respondError(w, err)
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, TaskResponse{Task: taskHref(task.ID)})
}

// GetDistribution retrieves a distribution by ID
func (h *DistributionHandler) GetDistribution(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "distribution")
	if !ok {
		return
	}
	dist, err := h.svc.GetDistribution(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	render.JSON(w, r, h.distributionResponse(dist, r.Host))
}

// ListDistributions lists all distributions
func (h *DistributionHandler) ListDistributions(w http.ResponseWriter, r *http.Request) {
	dists, err := h.svc.ListDistributions(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	results := make([]DistributionResponse, 0, len(dists))
	for _, dist := range dists {
		results = append(results, h.distributionResponse(dist, r.Host))
	}
	render.JSON(w, r, map[string]interface{}{"count": len(results), "results": results})
}

// UpdateDistribution dispatches a task replacing a distribution's fields
func (h *DistributionHandler) UpdateDistribution(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, false)
}

// PartialUpdateDistribution dispatches a task updating only the fields
// present in the request.
func (h *DistributionHandler) PartialUpdateDistribution(w http.ResponseWriter, r *http.Request) {
	h.update(w, r, true)
}

func (h *DistributionHandler) update(w http.ResponseWriter, r *http.Request, partial bool) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "distribution")
	if !ok {
		return
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := pulpdocker.UpdateDistributionRequest{Partial: partial}
	if raw, ok := body["name"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			http.Error(w, "Invalid name", http.StatusBadRequest)
			return
		}
		req.Name = &name
	}
	if raw, ok := body["base_path"]; ok {
		var basePath string
		if err := json.Unmarshal(raw, &basePath); err != nil {
			http.Error(w, "Invalid base_path", http.StatusBadRequest)
			return
		}
		req.BasePath = &basePath
	}
	if raw, ok := body["repository"]; ok {
		var repository string
		if err := json.Unmarshal(raw, &repository); err != nil {
			http.Error(w, "Invalid repository", http.StatusBadRequest)
			return
		}
		if repository != "" {
			repoID, err := uuid.Parse(repository)
			if err != nil {
				http.Error(w, "Invalid repository ID", http.StatusBadRequest)
				return
			}
			req.RepositoryID = &repoID
		}
	}
	if raw, ok := body["repository_version"]; ok {
		var version int64
		if err := json.Unmarshal(raw, &version); err != nil {
			http.Error(w, "Invalid repository_version", http.StatusBadRequest)
			return
		}
		req.Version = &version
	}

	if !partial && (req.Name == nil || req.BasePath == nil) {
		http.Error(w, "name and base_path are required", http.StatusBadRequest)
		return
	}
	if _, err := h.svc.GetDistribution(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}

	task, err := h.runner.Dispatch(r.Context(), "distribution.update", []string{Prefix + "/docker-distributions/"},
		func(ctx context.Context) ([]string, error) {
			dist, err := h.svc.UpdateDistribution(ctx, id, req)
			if err != nil {
				return nil, err
			}
			return []string{distributionHref(dist.ID)}, nil
		})
	if err != nil {
		respondError(w, err)
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, TaskResponse{Task: taskHref(task.ID)})
}

// DeleteDistribution dispatches a task deleting a distribution
func (h *DistributionHandler) DeleteDistribution(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "distribution")
	if !ok {
		return
	}
	if _, err := h.svc.GetDistribution(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}

	task, err := h.runner.Dispatch(r.Context(), "distribution.delete", []string{Prefix + "/docker-distributions/"},
		func(ctx context.Context) ([]string, error) {
			return nil, h.svc.DeleteDistribution(ctx, id)
		})
	if err != nil {
		respondError(w, err)
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, TaskResponse{Task: taskHref(task.ID)})
}
