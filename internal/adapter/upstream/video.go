package upstream

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// videoModel is the upstream generation model identifier.
const videoModel = "sora-video"

// CreateRequest describes one video generation submission. Sentinel is the
// short-lived anti-abuse token harvested from the page's own SDK.
type CreateRequest struct {
	Prompt      string
	ImageURL    string
	Duration    domain.VideoDuration
	AspectRatio domain.AspectRatio
	Sentinel    string
}

type createPayload struct {
	Kind         string        `json:"kind"`
	Prompt       string        `json:"prompt"`
	Orientation  string        `json:"orientation"`
	Size         string        `json:"size"`
	NFrames      int           `json:"n_frames"`
	Model        string        `json:"model"`
	InpaintItems []inpaintItem `json:"inpaint_items,omitempty"`
}

func sizeFor(a domain.AspectRatio) string {
	if a == domain.AspectPortrait {
		return "720x1280"
	}
	return "1280x720"
}

type inpaintItem struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

func buildCreatePayload(req CreateRequest) (createPayload, error) {
	frames := req.Duration.Frames()
	if frames == 0 {
		return createPayload{}, fmt.Errorf("op=upstream.create: %w: duration %q", domain.ErrInvalidArgument, req.Duration)
	}
	payload := createPayload{
		Kind:        "video",
		Prompt:      req.Prompt,
		Orientation: string(req.AspectRatio),
		Size:        sizeFor(req.AspectRatio),
		NFrames:     frames,
		Model:       videoModel,
	}
	if req.ImageURL != "" {
		payload.InpaintItems = []inpaintItem{{Kind: "image", URL: req.ImageURL}}
	}
	return payload, nil
}

type createResponse struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
}

func (r createResponse) taskID() (string, error) {
	id := r.ID
	if id == "" {
		id = r.TaskID
	}
	if id == "" {
		return "", fmt.Errorf("op=upstream.create: %w: empty task id", domain.ErrInternal)
	}
	return id, nil
}

// CreateVideo submits a generation and returns the upstream task id. Heavy
// load responses surface as ErrOverload with the upstream wording preserved.
func (c *Client) CreateVideo(ctx context.Context, profileID int64, token string, req CreateRequest) (string, error) {
	payload, err := buildCreatePayload(req)
	if err != nil {
		return "", err
	}
	var headers map[string]string
	if req.Sentinel != "" {
		headers = map[string]string{"openai-sentinel-token": req.Sentinel}
	}
	var resp createResponse
	if err := c.doHeaders(ctx, profileID, token, http.MethodPost, "/backend/nf/create", payload, &resp, "create", headers); err != nil {
		return "", err
	}
	return resp.taskID()
}

// CreateVideoVia submits the same generation from inside the profile's page,
// the route taken when direct HTTP trips the Cloudflare challenge. The page
// supplies its own credentials, so the sentinel header is not sent.
func (c *Client) CreateVideoVia(ctx context.Context, page PageFetcher, req CreateRequest) (string, error) {
	payload, err := buildCreatePayload(req)
	if err != nil {
		return "", err
	}
	var resp createResponse
	if err := c.pageDo(ctx, page, http.MethodPost, "/backend/nf/create", payload, &resp, "create_page"); err != nil {
		return "", err
	}
	return resp.taskID()
}

// TaskPoll is one observation of an in-flight generation.
type TaskPoll struct {
	// Pending is true while the task is known but not finished.
	Pending    bool
	FailReason string
	VideoURL   string
}

type taskRow struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	ReasonStr string `json:"reason_str"`
	URL       string `json:"url"`
	Downloads []struct {
		URL string `json:"url"`
	} `json:"downloads"`
}

func (r taskRow) matches(taskID string) bool { return r.ID == taskID || r.TaskID == taskID }

func (r taskRow) videoURL() string {
	if r.URL != "" {
		return r.URL
	}
	if len(r.Downloads) > 0 {
		return r.Downloads[0].URL
	}
	return ""
}

type pendingResponse struct {
	Items []taskRow `json:"items"`
}

// poll reports the task's state if the pending queue mentions it.
func (p pendingResponse) poll(taskID string) (TaskPoll, bool) {
	for _, row := range p.Items {
		if row.matches(taskID) {
			if row.ReasonStr != "" {
				return TaskPoll{FailReason: row.ReasonStr}, true
			}
			return TaskPoll{Pending: true}, true
		}
	}
	return TaskPoll{}, false
}

type draftsResponse struct {
	Items []taskRow `json:"items"`
	Tasks []taskRow `json:"tasks"`
}

// poll resolves the task against the drafts listing. An id found nowhere
// still reports pending: the upstream sometimes lags behind its own
// acknowledgements.
func (d draftsResponse) poll(taskID string) TaskPoll {
	rows := d.Items
	if len(rows) == 0 {
		rows = d.Tasks
	}
	for _, row := range rows {
		if !row.matches(taskID) {
			continue
		}
		if row.ReasonStr != "" {
			return TaskPoll{FailReason: row.ReasonStr}
		}
		if url := row.videoURL(); url != "" {
			return TaskPoll{VideoURL: url}
		}
	}
	return TaskPoll{Pending: true}
}

const (
	pendingPath = "/backend/nf/pending/v2"
	draftsPath  = "/backend/project_y/profile/drafts?limit=30"
)

// PollTask checks the pending queue first, then the drafts listing for a
// finished or failed row.
func (c *Client) PollTask(ctx context.Context, profileID int64, token, taskID string) (TaskPoll, error) {
	var pending pendingResponse
	if err := c.do(ctx, profileID, token, http.MethodGet, pendingPath, nil, &pending, "pending"); err != nil {
		return TaskPoll{}, err
	}
	if poll, ok := pending.poll(taskID); ok {
		return poll, nil
	}

	var drafts draftsResponse
	if err := c.do(ctx, profileID, token, http.MethodGet, draftsPath, nil, &drafts, "drafts"); err != nil {
		return TaskPoll{}, err
	}
	return drafts.poll(taskID), nil
}

// PollTaskVia is PollTask carried through the profile's page, for polls whose
// direct path trips the Cloudflare challenge.
func (c *Client) PollTaskVia(ctx context.Context, page PageFetcher, taskID string) (TaskPoll, error) {
	var pending pendingResponse
	if err := c.pageDo(ctx, page, http.MethodGet, pendingPath, nil, &pending, "pending_page"); err != nil {
		return TaskPoll{}, err
	}
	if poll, ok := pending.poll(taskID); ok {
		return poll, nil
	}

	var drafts draftsResponse
	if err := c.pageDo(ctx, page, http.MethodGet, draftsPath, nil, &drafts, "drafts_page"); err != nil {
		return TaskPoll{}, err
	}
	return drafts.poll(taskID), nil
}
