package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mosaicvideo/mosaic/jobs"
	"github.com/mosaicvideo/mosaic/jobs/schedule"
	"github.com/mosaicvideo/mosaic/sym"
)

// clientView scopes outcome fields to terminal states: result and
// error_message describe how a job ended, so a live job exposes neither
// (a retrying job's last attempt error still travels on job_retrying
// events). Safe to mutate: the store hands out snapshots.
func clientView(job *jobs.Job) *jobs.Job {
	if !job.Status.IsTerminal() {
		job.Result = nil
		job.ErrorMessage = ""
	}
	return job
}

func clientViews(list []*jobs.Job) []*jobs.Job {
	for _, job := range list {
		clientView(job)
	}
	return list
}

// handleJobs serves POST /api/jobs (submit) and GET /api/jobs?created_by=
// (query by creator).
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleSubmitJob accepts a job into the queue. Unknown types are rejected;
// priority defaults to normal; retry settings are clamped to their allowed
// ranges rather than rejected.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if readJSON(w, r, &req) != nil {
		return
	}

	priority, err := jobs.ParsePriority(req.Priority)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	job, err := jobs.NewJob(jobs.JobType(req.Type), priority, req.Payload, req.CreatedBy)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	maxRetries := job.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	retryDelay := job.RetryDelay
	if req.RetryDelay != nil {
		retryDelay = time.Duration(*req.RetryDelay) * time.Second
	}
	job.WithRetryPolicy(maxRetries, retryDelay)

	for key, value := range req.Tags {
		job.WithTag(key, value)
	}

	jobID, err := s.store.Enqueue(job)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Infow("Job submitted",
		"symbol", sym.Job,
		"job_id", jobID,
		"type", req.Type,
		"priority", priority,
		"created_by", req.CreatedBy,
	)
	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: jobID, Status: jobs.StatusQueued})
}

// handleListJobs returns jobs for a creator, optionally filtered by status
// and type.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	createdBy := r.URL.Query().Get("created_by")
	if createdBy == "" {
		writeError(w, http.StatusBadRequest, "created_by is required")
		return
	}

	var status *jobs.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		if !jobs.IsValidStatus(raw) {
			writeError(w, http.StatusBadRequest, "unknown status: "+raw)
			return
		}
		st := jobs.JobStatus(raw)
		status = &st
	}

	var jobType *jobs.JobType
	if raw := r.URL.Query().Get("type"); raw != "" {
		if !jobs.IsValidType(raw) {
			writeError(w, http.StatusBadRequest, "unknown job type: "+raw)
			return
		}
		jt := jobs.JobType(raw)
		jobType = &jt
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	list := s.store.ListByCreator(createdBy, status, jobType, limit)
	writeJSON(w, http.StatusOK, UserJobsMessage{
		Type:      "user_jobs",
		CreatedBy: createdBy,
		Jobs:      clientViews(list),
	})
}

// handleJobByID serves GET /api/jobs/{id}, GET /api/jobs/{id}/logs, and
// DELETE /api/jobs/{id} (cancel).
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}
	jobID := parts[0]

	if len(parts) == 2 && parts[1] == "logs" {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		s.handleJobLogs(w, jobID)
		return
	}
	if len(parts) > 1 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, err := s.store.Get(jobID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, clientView(job))
	case http.MethodDelete:
		cancelled := s.store.Cancel(jobID)
		if cancelled {
			s.logger.Infow("Job cancelled", "symbol", sym.Job, "job_id", jobID)
		}
		writeJSON(w, http.StatusOK, CancelResponse{JobID: jobID, Cancelled: cancelled})
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleJobLogs(w http.ResponseWriter, jobID string) {
	if _, err := s.store.Get(jobID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"logs":   s.jobLogs(jobID),
	})
}

// handleSchedules serves POST /api/schedules and GET /api/schedules.
func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeError(w, http.StatusNotImplemented, "schedules require durable storage")
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req ScheduleRequest
		if readJSON(w, r, &req) != nil {
			return
		}
		priority, err := jobs.ParsePriority(req.Priority)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		sched, err := schedule.New(
			jobs.JobType(req.JobType),
			priority,
			req.Payload,
			time.Duration(req.IntervalSeconds)*time.Second,
			req.CreatedBy,
		)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if err := s.schedules.Create(sched); err != nil {
			writeDomainError(w, err)
			return
		}
		s.logger.Infow("Schedule created",
			"symbol", sym.Schedule,
			"schedule_id", sched.ID,
			"job_type", sched.JobType,
			"interval", sched.Interval,
		)
		writeJSON(w, http.StatusCreated, sched)
	case http.MethodGet:
		list, err := s.schedules.List()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": list})
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleScheduleByID serves GET, PATCH (state), and DELETE on one schedule.
func (s *Server) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeError(w, http.StatusNotImplemented, "schedules require durable storage")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/schedules/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "schedule id is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		sched, err := s.schedules.Get(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sched)
	case http.MethodPatch:
		var req struct {
			State string `json:"state"`
		}
		if readJSON(w, r, &req) != nil {
			return
		}
		if err := s.schedules.SetState(id, req.State); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": req.State})
	case http.MethodDelete:
		if err := s.schedules.Delete(id); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "deleted": "true"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleHealth reports pool and queue health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	health := s.pool.Health()
	status := "ok"
	if health.LiveLoops < health.ConfiguredLoops {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  status,
		Pool:    health,
		Queue:   s.store.GetStats(),
		Clients: s.ClientCount(),
	})
}
