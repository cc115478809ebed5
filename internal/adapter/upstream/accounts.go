package upstream

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// QuotaInfo is the parsed generation allowance of an account.
type QuotaInfo struct {
	Remaining int
	Total     int
	ResetAt   *time.Time
}

// Me returns the account email behind the session token.
func (c *Client) Me(ctx context.Context, profileID int64, token string) (string, error) {
	var payload struct {
		Email string `json:"email"`
		User  struct {
			Email string `json:"email"`
		} `json:"user"`
	}
	if err := c.do(ctx, profileID, token, http.MethodGet, "/backend/me", nil, &payload, "me"); err != nil {
		return "", err
	}
	if payload.Email != "" {
		return payload.Email, nil
	}
	return payload.User.Email, nil
}

// Quota fetches the remaining generation allowance. Purchased credits are
// summed into the total; the reset countdown is anchored to the current UTC
// time to yield an absolute reset timestamp.
func (c *Client) Quota(ctx context.Context, profileID int64, token string) (QuotaInfo, error) {
	var payload struct {
		Balance struct {
			VideosRemaining          *int   `json:"estimated_num_videos_remaining"`
			PurchasedVideosRemaining *int   `json:"estimated_num_purchased_videos_remaining"`
			AccessResetsInSeconds    *int64 `json:"access_resets_in_seconds"`
		} `json:"rate_limit_and_credit_balance"`
	}
	if err := c.do(ctx, profileID, token, http.MethodGet, "/backend/nf/check", nil, &payload, "quota"); err != nil {
		return QuotaInfo{}, err
	}
	var q QuotaInfo
	if payload.Balance.VideosRemaining != nil {
		q.Remaining = *payload.Balance.VideosRemaining
		q.Total = *payload.Balance.VideosRemaining
	}
	if payload.Balance.PurchasedVideosRemaining != nil {
		q.Total += *payload.Balance.PurchasedVideosRemaining
	}
	if payload.Balance.AccessResetsInSeconds != nil {
		at := time.Now().UTC().Add(time.Duration(*payload.Balance.AccessResetsInSeconds) * time.Second)
		q.ResetAt = &at
	}
	return q, nil
}

// Plan resolves the account tier: the subscription endpoint is preferred,
// falling back to the chatgpt_plan_type claim inside the access token.
func (c *Client) Plan(ctx context.Context, profileID int64, token string) (domain.Plan, error) {
	var payload struct {
		Plan struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"plan"`
	}
	err := c.do(ctx, profileID, token, http.MethodGet, "/backend/billing/subscriptions", nil, &payload, "subscriptions")
	if err == nil {
		if p := NormalizePlan(payload.Plan.ID); p != "" {
			return p, nil
		}
		if p := NormalizePlan(payload.Plan.Title); p != "" {
			return p, nil
		}
	}
	if p := PlanFromToken(token); p != "" {
		return p, nil
	}
	if err != nil {
		return "", err
	}
	return "", nil
}

// PlanFromToken decodes the unverified JWT payload and reads the
// chatgpt_plan_type claim. The token already authenticated against the
// upstream; the claim is informational only.
func PlanFromToken(token string) domain.Plan {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	if v, ok := claims["chatgpt_plan_type"].(string); ok {
		return NormalizePlan(v)
	}
	return ""
}

// NormalizePlan collapses upstream plan spellings onto the two known tiers.
func NormalizePlan(s string) domain.Plan {
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "plus"):
		return domain.PlanPlus
	case strings.Contains(lower, "free"):
		return domain.PlanFree
	default:
		return ""
	}
}
