// Package endpoints provides the exchange's HTTP handlers, following the
// teacher's pbs/internal/endpoints shape: one handler struct per route,
// wrapping the façade it delegates to.
package endpoints

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/taskauction/exchange/internal/exchange"
	"github.com/taskauction/exchange/internal/types"
)

// SubmitHandler handles POST /v1/tasks (§4.1 producer API: submit).
type SubmitHandler struct {
	ex *exchange.Exchange
}

// NewSubmitHandler creates a new submit handler.
func NewSubmitHandler(ex *exchange.Exchange) *SubmitHandler {
	return &SubmitHandler{ex: ex}
}

type submitRequest struct {
	Content  string         `json:"content"`
	Priority string         `json:"priority"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"taskId"`
	State  string `json:"state"`
}

// ServeHTTP handles the submit request.
func (h *SubmitHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, "invalid JSON in request body", http.StatusBadRequest)
		return
	}

	task, err := h.ex.Submit(req.Content, types.ParsePriority(strings.ToUpper(req.Priority)), req.Metadata)
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: task.ID, State: string(task.State)})
}

// writeSubmitError maps the typed errors Exchange.Submit can return onto
// the HTTP status codes named in §7's error table.
func writeSubmitError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *exchange.ValidationError:
		writeError(w, err.Error(), http.StatusBadRequest)
	case *exchange.RateLimitedError:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	case *exchange.ShuttingDownError:
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// CancelHandler handles POST /v1/tasks/{id}/cancel.
type CancelHandler struct {
	ex *exchange.Exchange
}

// NewCancelHandler creates a new cancel handler.
func NewCancelHandler(ex *exchange.Exchange) *CancelHandler {
	return &CancelHandler{ex: ex}
}

// ServeHTTP handles the cancel request. taskID is extracted by the
// caller's router and passed via the request's path value.
func (h *CancelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID := r.PathValue("id")
	if taskID == "" {
		writeError(w, "missing task id", http.StatusBadRequest)
		return
	}

	if err := h.ex.Cancel(taskID); err != nil {
		if err == exchange.ErrTaskNotFound {
			writeError(w, "task not found", http.StatusNotFound)
			return
		}
		writeError(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"taskId": taskID, "state": "CANCELLED"})
}

// GetTaskHandler handles GET /v1/tasks/{id}.
type GetTaskHandler struct {
	ex *exchange.Exchange
}

// NewGetTaskHandler creates a new get-task handler.
func NewGetTaskHandler(ex *exchange.Exchange) *GetTaskHandler {
	return &GetTaskHandler{ex: ex}
}

// ServeHTTP handles the get-task request.
func (h *GetTaskHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID := r.PathValue("id")
	task, ok := h.ex.GetTask(taskID)
	if !ok {
		writeError(w, "task not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// QueueStatsHandler handles GET /v1/queue (producer-facing queue stats,
// §4.1 getQueueStats).
type QueueStatsHandler struct {
	ex *exchange.Exchange
}

// NewQueueStatsHandler creates a new queue-stats handler.
func NewQueueStatsHandler(ex *exchange.Exchange) *QueueStatsHandler {
	return &QueueStatsHandler{ex: ex}
}

// ServeHTTP handles the queue-stats request.
func (h *QueueStatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.ex.GetQueueStats())
}

// writeError writes an error response, matching the teacher's helper.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a successful JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
