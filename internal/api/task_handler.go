package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
)

// TaskHandler handles HTTP requests for task records
type TaskHandler struct {
	store pulpdocker.Store
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(store pulpdocker.Store) *TaskHandler {
	return &TaskHandler{store: store}
}

// Routes returns the routes for tasks
func (h *TaskHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListTasks)
	r.Get("/{id}", h.GetTask)

	return r
}

// TaskDetailResponse is the response body for a task
type TaskDetailResponse struct {
	PulpHref         string     `json:"pulp_href"`
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	State            string     `json:"state"`
	Error            string     `json:"error,omitempty"`
	CreatedResources []string   `json:"created_resources,omitempty"`
	Reservations     []string   `json:"reserved_resources,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

func taskDetailResponse(task *pulpdocker.Task) TaskDetailResponse {
	return TaskDetailResponse{
		PulpHref:         taskHref(task.ID),
		ID:               task.ID.String(),
		Name:             task.Name,
		State:            string(task.State),
		Error:            task.Error,
		CreatedResources: task.CreatedResources,
		Reservations:     task.Reservations,
		CreatedAt:        task.CreatedAt,
		StartedAt:        task.StartedAt,
		FinishedAt:       task.FinishedAt,
	}
}

// GetTask retrieves a task by ID
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"), "task")
	if !ok {
		return
	}
	task, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	render.JSON(w, r, taskDetailResponse(task))
}

// ListTasks lists all tasks
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.ListTasks(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	results := make([]TaskDetailResponse, 0, len(tasks))
	for _, task := range tasks {
		results = append(results, taskDetailResponse(task))
	}
	render.JSON(w, r, map[string]interface{}{"count": len(results), "results": results})
}
