package httpserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// StreamJobsHandler handles GET /v1/jobs/stream as Server-Sent Events.
// Browsers open this with EventSource, which cannot set headers, so the
// bearer token travels as a query parameter and must come from
// POST /v1/stream-token.
func (s *Server) StreamJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			writeError(w, r, fmt.Errorf("%w: token required", domain.ErrInvalidArgument), nil)
			return
		}
		ok, err := s.Tokens.Validate(r.Context(), token)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
				Code: "UNAUTHORIZED", Message: "stream token invalid or expired",
			}})
			return
		}

		q := r.URL.Query()
		f := domain.JobFilter{
			GroupTitle: q.Get("group_title"),
			Status:     domain.JobStatus(q.Get("status")),
			Phase:      domain.JobPhase(q.Get("phase")),
			Keyword:    q.Get("keyword"),
		}
		if v := q.Get("profile_id"); v != "" {
			id, perr := strconv.ParseInt(v, 10, 64)
			if perr != nil {
				writeError(w, r, fmt.Errorf("%w: profile_id", domain.ErrInvalidArgument), nil)
				return
			}
			f.ProfileID = id
		}
		if v := q.Get("limit"); v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				writeError(w, r, fmt.Errorf("%w: limit", domain.ErrInvalidArgument), nil)
				return
			}
			f.Limit = n
		}
		withEvents := q.Get("with_events") != "false"

		msgs, err := s.Stream.Subscribe(r.Context(), f, withEvents)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		rc := http.NewResponseController(w)
		_ = rc.Flush()

		log := LoggerFrom(r)
		for {
			select {
			case <-r.Context().Done():
				return
			case msg, open := <-msgs:
				if !open {
					return
				}
				body, merr := json.Marshal(msg)
				if merr != nil {
					log.Error("stream marshal failed", slog.Any("error", merr))
					continue
				}
				if _, werr := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, body); werr != nil {
					return
				}
				if ferr := rc.Flush(); ferr != nil {
					return
				}
			}
		}
	}
}
