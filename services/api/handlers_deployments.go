package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"pcdeploy/services/orchestrator"
)

const maxListLimit = 500

type createDeploymentRequest struct {
	Name      string   `json:"name"`
	ImageName string   `json:"image_name"`
	Mode      string   `json:"mode"`
	TargetIDs []string `json:"target_ids"`
	CreatedBy string   `json:"created_by"`
	Notes     string   `json:"notes"`
}

type updateProgressRequest struct {
	MachineID string `json:"machine_id"`
	Status    string `json:"status"`
	Progress  *int   `json:"progress"`
	Error     string `json:"error"`
}

func (a *API) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	d, err := a.deployments.Create(ctx, orchestrator.CreateRequest{
		Name:      req.Name,
		ImageName: req.ImageName,
		Mode:      orchestrator.Mode(strings.ToLower(strings.TrimSpace(req.Mode))),
		TargetIDs: req.TargetIDs,
		CreatedBy: req.CreatedBy,
		Notes:     req.Notes,
	})
	if err != nil {
		a.respondServiceError(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"deployment": d})
}

func (a *API) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	list, err := a.deployments.List(ctx, filter)
	if err != nil {
		a.respondServiceError(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deployments": list, "count": len(list)})
}

func parseListFilter(r *http.Request) (orchestrator.ListFilter, error) {
	q := r.URL.Query()
	var filter orchestrator.ListFilter
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.Statuses = append(filter.Statuses, orchestrator.Status(strings.ToLower(part)))
			}
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			return filter, fmt.Errorf("limit must be between 1 and %d", maxListLimit)
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (a *API) handleActiveDeployments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	list, err := a.deployments.Active(ctx)
	if err != nil {
		a.respondServiceError(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deployments": list, "count": len(list)})
}

func (a *API) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := deploymentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	detail, err := a.deployments.Describe(ctx, id)
	if err != nil {
		a.respondServiceError(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deployment": detail})
}

func (a *API) handleDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := deploymentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	report, err := a.deployments.Status(ctx, id)
	if err != nil {
		a.respondServiceError(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (a *API) handleUpdateDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := deploymentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req orchestrator.MetadataUpdate
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == nil && req.Notes == nil {
		respondError(w, http.StatusBadRequest, errors.New("nothing to update: provide name or notes"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	d, err := a.deployments.UpdateMetadata(ctx, id, req)
	if err != nil {
		a.respondServiceError(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deployment": d})
}

// handleStartDeployment runs without the short handler timeout: a multicast
// start blocks until the imaging tool returns or its own deadline expires.
func (a *API) handleStartDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := deploymentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	d, err := a.deployments.Start(r.Context(), id)
	if err != nil {
		var extra map[string]any
		if d.ID != uuid.Nil {
			extra = map[string]any{"deployment": d}
		}
		a.respondServiceError(w, r, err, extra)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deployment": d, "tool_result": d.ToolResult})
}

func (a *API) handleStopDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := deploymentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	d, err := a.deployments.Stop(r.Context(), id)
	if err != nil {
		a.respondServiceError(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deployment": d, "tool_result": d.ToolResult})
}

func (a *API) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	id, err := deploymentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req updateProgressRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.MachineID = strings.TrimSpace(req.MachineID)
	if req.MachineID == "" {
		respondError(w, http.StatusBadRequest, errors.New("machine_id is required"))
		return
	}
	if req.Progress == nil {
		respondError(w, http.StatusBadRequest, errors.New("progress is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	d, err := a.deployments.UpdateProgress(ctx, id, orchestrator.ProgressUpdate{
		MachineID: req.MachineID,
		Status:    orchestrator.MachineStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		Progress:  *req.Progress,
		Error:     req.Error,
	})
	if err != nil {
		a.respondServiceError(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deployment": d})
}

func (a *API) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := deploymentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.deployments.Delete(ctx, id); err != nil {
		a.respondServiceError(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (a *API) handleToolLog(w http.ResponseWriter, r *http.Request) {
	id, err := deploymentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	url, err := a.deployments.ToolLogURL(ctx, id)
	if err != nil {
		a.respondServiceError(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"url": url})
}
