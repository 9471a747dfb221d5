package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ahmethakanbesel/price-backfill/internal/backfill"
)

const maxBodyBytes = 1 << 20

type handler struct {
	mgr *backfill.Manager
}

type listJobsResponse struct {
	Jobs   []backfill.Job `json:"jobs"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req backfill.CreateJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = r.Header.Get("X-User-ID")
	}

	id, err := h.mgr.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	j, err := h.mgr.GetJob(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := backfill.ListJobsRequest{
		Status:  backfill.Status(q.Get("status")),
		JobType: backfill.JobType(q.Get("jobType")),
	}

	var ok bool
	if req.SourceID, ok = queryInt64(w, q.Get("sourceId"), "sourceId"); !ok {
		return
	}
	limit, ok := queryInt64(w, q.Get("limit"), "limit")
	if !ok {
		return
	}
	offset, ok := queryInt64(w, q.Get("offset"), "offset")
	if !ok {
		return
	}
	req.Limit, req.Offset = int(limit), int(offset)

	jobs, total, err := h.mgr.ListJobs(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []backfill.Job{}
	}
	if req.Limit == 0 {
		req.Limit = backfill.DefaultListLimit
	}
	writeJSON(w, http.StatusOK, listJobsResponse{Jobs: jobs, Total: total, Limit: req.Limit, Offset: req.Offset})
}

func (h *handler) jobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.mgr.GetJobStats(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.mgr.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.mgr.DeleteJob(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (h *handler) jobLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt64(w, r.URL.Query().Get("limit"), "limit")
	if !ok {
		return
	}
	entries, err := h.mgr.JobLogs(r.Context(), r.PathValue("id"), int(limit))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// control adapts a lifecycle operation; the response carries the job as it
// is after the transition.
func (h *handler) control(op func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := op(r.Context(), id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		j, err := h.mgr.GetJob(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
	}
}

// queryInt64 parses an optional integer query parameter, writing a 400 when
// it is malformed.
func queryInt64(w http.ResponseWriter, v, name string) (int64, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return n, true
}
