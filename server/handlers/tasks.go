package handlers

import (
	"net/http"
)

// TaskResponse describes one registered task.
type TaskResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
}

// TasksHandler handles GET /api/tasks.
type TasksHandler struct {
	lister TaskLister
}

// NewTasksHandler creates a new TasksHandler.
func NewTasksHandler(lister TaskLister) *TasksHandler {
	return &TasksHandler{
		lister: lister,
	}
}

// ServeHTTP implements http.Handler.
func (h *TasksHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	store := h.lister.History()
	infos := h.lister.Tasks()

	resp := make([]TaskResponse, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, TaskResponse{
			ID:        info.ID,
			Name:      info.Name,
			Completed: store.Completed(info.ID),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
