// Package domain holds the core entities, invariants and ports of the
// video job orchestration engine.
package domain

import (
	"context"
	"regexp"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

// Job lifecycle states.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// JobPhase names a stage within a job. PhaseDispatch is synthetic: it only
// appears on select/queue events, never as a job's stored phase.
type JobPhase string

// Job phases in canonical order.
const (
	PhaseDispatch  JobPhase = "dispatch"
	PhaseQueue     JobPhase = "queue"
	PhaseSubmit    JobPhase = "submit"
	PhaseProgress  JobPhase = "progress"
	PhaseGenID     JobPhase = "genid"
	PhasePublish   JobPhase = "publish"
	PhaseWatermark JobPhase = "watermark"
	PhaseDone      JobPhase = "done"
)

// Event spellings are observable to UIs; preserve them exactly.
const (
	EventStart           = "start"
	EventFinish          = "finish"
	EventFail            = "fail"
	EventRetry           = "retry"
	EventCancel          = "cancel"
	EventSelect          = "select"
	EventQueue           = "queue"
	EventRetryNewJob     = "retry_new_job"
	EventAutoRetryNewJob = "auto_retry_new_job"
	EventAutoRetryGiveup = "auto_retry_giveup"
	EventFallback        = "fallback"
)

// DispatchMode selects between operator-pinned and weighted assignment.
type DispatchMode string

// Dispatch modes.
const (
	DispatchManual       DispatchMode = "manual"
	DispatchWeightedAuto DispatchMode = "weighted_auto"
)

// Plan is the upstream account tier.
type Plan string

// Account plans.
const (
	PlanFree Plan = "free"
	PlanPlus Plan = "plus"
)

// WatermarkStatus tracks the post-processing sub-state of a job.
type WatermarkStatus string

// Watermark sub-states.
const (
	WatermarkQueued    WatermarkStatus = "queued"
	WatermarkRunning   WatermarkStatus = "running"
	WatermarkCompleted WatermarkStatus = "completed"
	WatermarkFailed    WatermarkStatus = "failed"
	WatermarkFallback  WatermarkStatus = "fallback"
)

// VideoDuration is one of the fixed generation lengths.
type VideoDuration string

// Supported durations.
const (
	Duration10s VideoDuration = "10s"
	Duration15s VideoDuration = "15s"
	Duration25s VideoDuration = "25s"
)

// Frames returns the upstream n_frames value for the duration, or 0 when the
// duration is not one of the supported values.
func (d VideoDuration) Frames() int {
	switch d {
	case Duration10s:
		return 300
	case Duration15s:
		return 450
	case Duration25s:
		return 750
	}
	return 0
}

// Valid reports whether d is a supported duration.
func (d VideoDuration) Valid() bool { return d.Frames() > 0 }

// AspectRatio is the requested orientation of the video.
type AspectRatio string

// Supported aspect ratios.
const (
	AspectLandscape AspectRatio = "landscape"
	AspectPortrait  AspectRatio = "portrait"
)

// Valid reports whether a is a supported aspect ratio.
func (a AspectRatio) Valid() bool { return a == AspectLandscape || a == AspectPortrait }

// PublishURLPattern validates upstream share permalinks.
var PublishURLPattern = regexp.MustCompile(`^https://sora\.chatgpt\.com/p/s_[a-f0-9A-Z_]{8,}$`)

// CancelMessage is the user-visible message recorded on canceled jobs.
const CancelMessage = "任务已取消"

// phaseRank orders the canonical phase sequence. PhaseDispatch has no rank.
var phaseRank = map[JobPhase]int{
	PhaseQueue:     0,
	PhaseSubmit:    1,
	PhaseProgress:  2,
	PhaseGenID:     3,
	PhasePublish:   4,
	PhaseWatermark: 5,
	PhaseDone:      6,
}

// CanTransition reports whether a stored phase may move from `from` to `to`.
// Permitted moves: staying put, advancing one step, or jumping to done from
// publish (watermark fallback collapses both phases) or watermark.
func CanTransition(from, to JobPhase) bool {
	fr, ok := phaseRank[from]
	if !ok {
		return false
	}
	tr, ok := phaseRank[to]
	if !ok {
		return false
	}
	if tr == fr || tr == fr+1 {
		return true
	}
	return to == PhaseDone && (from == PhasePublish || from == PhaseWatermark)
}

// Job is the durable record of one generation attempt.
type Job struct {
	ID           int64
	RetryRootID  int64
	RetryOfID    *int64
	RetryIndex   int
	ProfileID    int64
	GroupTitle   string
	DispatchMode DispatchMode
	// DispatchScore/DispatchReason record why this profile was picked.
	DispatchScore  float64
	DispatchReason string

	Prompt      string
	ImageURL    string
	Duration    VideoDuration
	AspectRatio AspectRatio

	Status      JobStatus
	Phase       JobPhase
	ProgressPct int
	Error       string

	TaskID       string
	GenerationID string
	PublishURL   string

	WatermarkURL      string
	WatermarkStatus   WatermarkStatus
	WatermarkAttempts int
	WatermarkError    string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// JobEvent is one append-only transition record. ID is the replication
// cursor for streaming subscribers: strictly increasing, never reused.
type JobEvent struct {
	ID        int64
	JobID     int64
	Phase     JobPhase
	Event     string
	Message   string
	CreatedAt time.Time
}

// JobPatch is a partial update applied by UpdateJob. Nil fields are left
// untouched. ResetForRetry permits the otherwise-forbidden move back to the
// queue phase (manual retry of a non-overload failure).
type JobPatch struct {
	Status            *JobStatus
	Phase             *JobPhase
	ProgressPct       *int
	Error             *string
	TaskID            *string
	GenerationID      *string
	PublishURL        *string
	WatermarkURL      *string
	WatermarkStatus   *WatermarkStatus
	WatermarkAttempts *int
	WatermarkError    *string
	StartedAt         *time.Time
	FinishedAt        *time.Time
	ResetForRetry     bool
}

// JobFilter narrows job listings and stream subscriptions.
type JobFilter struct {
	GroupTitle string
	ProfileID  int64
	Status     JobStatus
	Phase      JobPhase
	Keyword    string
	Limit      int
}

// ProfileFailEvent is a fail event joined with the owning job's profile,
// consumed by the dispatcher's quality scoring.
type ProfileFailEvent struct {
	ProfileID int64
	Phase     JobPhase
	Message   string
	CreatedAt time.Time
}

// JobTaskPayload is the typed queue message feeding the runner pool.
type JobTaskPayload struct {
	JobID      int64  `json:"job_id"`
	GroupTitle string `json:"group_title"`
	ProfileID  int64  `json:"profile_id"`
}

// JobStore is the durable, concurrent-safe job and event storage port.
// It is the sole shared mutable state of the engine; all mutations are
// serialized through it and it generates the monotone job/event ids.
type JobStore interface {
	CreateJob(ctx context.Context, j Job) (int64, error)
	GetJob(ctx context.Context, id int64) (Job, error)
	// LatestInChain resolves the most recent descendant of a job's retry
	// chain, or the job itself when it has no children.
	LatestInChain(ctx context.Context, id int64) (Job, error)
	UpdateJob(ctx context.Context, id int64, p JobPatch) error
	AppendEvent(ctx context.Context, jobID int64, phase JobPhase, event, message string) (int64, error)
	ListJobs(ctx context.Context, f JobFilter) ([]Job, error)
	ListEventsSince(ctx context.Context, afterID int64, limit int) ([]JobEvent, error)
	LatestEventID(ctx context.Context) (int64, error)
	ListJobEvents(ctx context.Context, jobID int64) ([]JobEvent, error)

	LatestRetryChild(ctx context.Context, jobID int64) (Job, error)
	MaxRetryIndex(ctx context.Context, rootID int64) (int, error)
	RetryChainProfileIDs(ctx context.Context, rootID int64) ([]int64, error)

	CountActiveJobsByProfile(ctx context.Context, group string) (map[int64]int, error)
	CountPendingSubmitsByProfile(ctx context.Context, group string) (map[int64]int, error)
	CountCompletedJobsByProfile(ctx context.Context, group string) (map[int64]int, error)
	ListFailEventsByProfile(ctx context.Context, group string, since time.Time) ([]ProfileFailEvent, error)

	// ListQueuedJobs returns jobs still queued, oldest first, for requeue
	// after a restart.
	ListQueuedJobs(ctx context.Context) ([]Job, error)
}

// Queue enqueues job tasks for the runner pool.
type Queue interface {
	EnqueueJob(ctx context.Context, payload JobTaskPayload) error
}

// WatermarkClient resolves a share URL to a post-processed video URL.
type WatermarkClient interface {
	Parse(ctx context.Context, shareURL string) (string, error)
}
