package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/stream"
	"github.com/fairyhunter13/ai-video-orchestrator/internal/usecase"
)

// TokenStore issues and validates short-lived stream tokens.
type TokenStore interface {
	Issue(ctx context.Context) (string, error)
	Validate(ctx context.Context, token string) (bool, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Jobs        usecase.JobService
	Accounts    usecase.AccountService
	Stream      *stream.Service
	Tokens      TokenStore
	Watermark   domain.WatermarkClient
	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

type createJobRequest struct {
	Prompt       string `json:"prompt" validate:"required,max=4000"`
	ImageURL     string `json:"image_url" validate:"omitempty,url"`
	Duration     string `json:"duration" validate:"required,oneof=10s 15s 25s"`
	AspectRatio  string `json:"aspect_ratio" validate:"required,oneof=landscape portrait"`
	GroupTitle   string `json:"group_title" validate:"omitempty,max=200"`
	DispatchMode string `json:"dispatch_mode" validate:"omitempty,oneof=weighted_auto manual"`
	ProfileID    int64  `json:"profile_id" validate:"omitempty,gt=0"`
}

var validate = validator.New()

// CreateJobHandler handles POST /v1/jobs.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err.Error()), nil)
			return
		}
		job, err := s.Jobs.Create(r.Context(), usecase.CreateJobInput{
			Prompt:       req.Prompt,
			ImageURL:     req.ImageURL,
			Duration:     domain.VideoDuration(req.Duration),
			AspectRatio:  domain.AspectRatio(req.AspectRatio),
			GroupTitle:   req.GroupTitle,
			DispatchMode: domain.DispatchMode(req.DispatchMode),
			ProfileID:    req.ProfileID,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, jobResponse(job))
	}
}

// GetJobHandler handles GET /v1/jobs/{id}. By default it follows the retry
// chain to the newest descendant; follow_retry=false pins the exact job.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := jobID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		follow := r.URL.Query().Get("follow_retry") != "false"
		job, err := s.Jobs.Get(r.Context(), id, follow)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := jobResponse(job)
		if r.URL.Query().Get("with_events") == "true" {
			events, err := s.Jobs.Events(r.Context(), job.ID)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			resp["events"] = events
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ListJobsHandler handles GET /v1/jobs.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := domain.JobFilter{
			GroupTitle: q.Get("group_title"),
			Status:     domain.JobStatus(q.Get("status")),
			Phase:      domain.JobPhase(q.Get("phase")),
			Keyword:    q.Get("keyword"),
		}
		if v := q.Get("profile_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: profile_id", domain.ErrInvalidArgument), nil)
				return
			}
			f.ProfileID = id
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: limit", domain.ErrInvalidArgument), nil)
				return
			}
			f.Limit = n
		}
		jobs, err := s.Jobs.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]map[string]any, 0, len(jobs))
		for _, j := range jobs {
			items = append(items, jobResponse(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": items})
	}
}

// RetryJobHandler handles POST /v1/jobs/{id}/retry.
func (s *Server) RetryJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := jobID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		newID, err := s.Jobs.Retry(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": newID, "retried_from": id})
	}
}

// CancelJobHandler handles POST /v1/jobs/{id}/cancel.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := jobID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Jobs.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": domain.JobCanceled})
	}
}

// WeightsHandler handles GET /v1/accounts/weights.
func (s *Server) WeightsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		weights, err := s.Jobs.Weights(r.Context(), r.URL.Query().Get("group_title"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"weights": weights})
	}
}

// AccountsHandler handles GET /v1/accounts.
func (s *Server) AccountsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		withFallback := r.URL.Query().Get("with_fallback") != "false"
		listing, err := s.Accounts.List(r.Context(), r.URL.Query().Get("group_title"), withFallback)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, listing)
	}
}

// GroupsHandler handles GET /v1/groups.
func (s *Server) GroupsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groups, err := s.Accounts.Groups(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
	}
}

// RefreshAccountsHandler handles POST /v1/accounts/refresh. The scan runs in
// the background; the response carries the handle to poll.
func (s *Server) RefreshAccountsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			GroupTitle string `json:"group_title"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		status := s.Accounts.StartRefresh(req.GroupTitle)
		writeJSON(w, http.StatusAccepted, status)
	}
}

// RefreshStatusHandler handles GET /v1/accounts/refresh/{id}.
func (s *Server) RefreshStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := s.Accounts.RefreshStatus(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// WatermarkParseHandler handles POST /v1/watermark/parse.
func (s *Server) WatermarkParseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ShareURL string `json:"share_url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ShareURL == "" {
			writeError(w, r, fmt.Errorf("%w: share_url required", domain.ErrInvalidArgument), nil)
			return
		}
		url, err := s.Watermark.Parse(r.Context(), req.ShareURL)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url})
	}
}

// StreamTokenHandler handles POST /v1/stream-token. EventSource cannot set
// headers, so subscribers fetch a short-lived token first and pass it as a
// query parameter.
func (s *Server) StreamTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := s.Tokens.Issue(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": token, "expires_in": int(s.Cfg.StreamTokenTTL / time.Second)})
	}
}

// ReadyzHandler reports dependency health.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name string `json:"name"`
		OK   bool   `json:"ok"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		checks := []check{}
		allOK := true
		run := func(name string, fn func(ctx context.Context) error) {
			if fn == nil {
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			ok := fn(ctx) == nil
			allOK = allOK && ok
			checks = append(checks, check{Name: name, OK: ok})
		}
		run("db", s.DBCheck)
		run("redis", s.RedisCheck)
		run("broker", s.BrokerCheck)
		status := http.StatusOK
		if !allOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ok": allOK, "checks": checks})
	}
}

func jobID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: job id", domain.ErrInvalidArgument)
	}
	return id, nil
}

// jobResponse shapes a job for the API, flattening the retry linkage.
func jobResponse(j domain.Job) map[string]any {
	resp := map[string]any{
		"job_id":             j.ID,
		"retry_root_job_id":  j.RetryRootID,
		"retry_index":        j.RetryIndex,
		"profile_id":         j.ProfileID,
		"group_title":        j.GroupTitle,
		"dispatch_mode":      j.DispatchMode,
		"dispatch_score":     j.DispatchScore,
		"dispatch_reason":    j.DispatchReason,
		"prompt":             j.Prompt,
		"image_url":          j.ImageURL,
		"duration":           j.Duration,
		"aspect_ratio":       j.AspectRatio,
		"status":             j.Status,
		"phase":              j.Phase,
		"progress_pct":       j.ProgressPct,
		"error":              j.Error,
		"task_id":            j.TaskID,
		"generation_id":      j.GenerationID,
		"publish_url":        j.PublishURL,
		"watermark_url":      j.WatermarkURL,
		"watermark_status":   j.WatermarkStatus,
		"watermark_attempts": j.WatermarkAttempts,
		"watermark_error":    j.WatermarkError,
		"created_at":         j.CreatedAt,
		"updated_at":         j.UpdatedAt,
	}
	if j.RetryOfID != nil {
		resp["retry_of_job_id"] = *j.RetryOfID
	}
	if j.StartedAt != nil {
		resp["started_at"] = *j.StartedAt
	}
	if j.FinishedAt != nil {
		resp["finished_at"] = *j.FinishedAt
	}
	return resp
}
