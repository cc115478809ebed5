package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

const maxOpenAttempts = 3

// OpenProfile opens a profile window and returns its live debug endpoint.
//
// Idempotent handling: "already open" attaches to the existing endpoint when
// it exposes a websocket, otherwise closes and reopens; a second "already
// open" after an open-state reset fails fast. "Process not found" forces a
// close before reopening. Headless refusal reopens non-headless and marks the
// result degraded.
func (c *Client) OpenProfile(ctx context.Context, profileID int64, headless bool) (domain.OpenedProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.openOverall)
	defer cancel()

	resetDone := false
	alreadyOpenAfterReset := false
	wantHeadless := headless
	degraded := false

	attempt := func() (domain.OpenedProfile, error) {
		op, err := c.openOnce(ctx, profileID, wantHeadless)
		if err == nil {
			op.Degraded = degraded
			return op, nil
		}

		ae, ok := domain.AsAPIError(err)
		if !ok {
			if wantHeadless && isHeadlessRefusal(err.Error()) {
				wantHeadless = false
				degraded = true
				return domain.OpenedProfile{}, err
			}
			return domain.OpenedProfile{}, err
		}
		switch ae.Code {
		case domain.BrokerCodeAlreadyOpen:
			if alreadyOpenAfterReset {
				return domain.OpenedProfile{}, backoff.Permanent(fmt.Errorf("op=broker.open: %w: open-state stuck for profile %d", domain.ErrConflict, profileID))
			}
			if op, ok := c.findOpened(ctx, profileID); ok {
				op.Degraded = degraded
				return op, nil
			}
			if cerr := c.CloseProfile(ctx, profileID); cerr != nil {
				slog.Warn("close before reopen failed", slog.Int64("profile_id", profileID), slog.Any("error", cerr))
			}
			if !resetDone {
				if rerr := c.ResetOpenState(ctx, profileID); rerr == nil {
					resetDone = true
				}
			} else {
				alreadyOpenAfterReset = true
			}
			return domain.OpenedProfile{}, err
		case domain.BrokerCodeProcessNotFound:
			if cerr := c.CloseProfile(ctx, profileID); cerr != nil {
				slog.Warn("force close failed", slog.Int64("profile_id", profileID), slog.Any("error", cerr))
			}
			return domain.OpenedProfile{}, err
		case domain.BrokerCodeHeadlessUnsupp:
			if wantHeadless {
				wantHeadless = false
				degraded = true
				return domain.OpenedProfile{}, err
			}
			return domain.OpenedProfile{}, backoff.Permanent(err)
		default:
			if wantHeadless && isHeadlessRefusal(ae.Message) {
				wantHeadless = false
				degraded = true
				return domain.OpenedProfile{}, err
			}
			return domain.OpenedProfile{}, backoff.Permanent(err)
		}
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.openRetrySleep), maxOpenAttempts-1), ctx)
	op, err := backoff.RetryWithData(attempt, b)
	if err != nil {
		return domain.OpenedProfile{}, err
	}
	if op.Degraded {
		slog.Info("profile opened without headless",
			slog.Int64("profile_id", profileID))
	}
	return op, nil
}

// openOnce issues a single profile-open call.
func (c *Client) openOnce(ctx context.Context, profileID int64, headless bool) (domain.OpenedProfile, error) {
	var data openedDTO
	params := struct {
		ID       int64 `json:"id"`
		Headless bool  `json:"headless"`
	}{ID: profileID, Headless: headless}
	if err := c.call(ctx, "profile-open", params, &data); err != nil {
		return domain.OpenedProfile{}, err
	}
	if data.WS == "" {
		return domain.OpenedProfile{}, fmt.Errorf("op=broker.open: %w: profile %d opened without debug endpoint", domain.ErrInternal, profileID)
	}
	if data.ID == 0 {
		data.ID = profileID
	}
	return domain.OpenedProfile{ProfileID: data.ID, WSURL: data.WS, DebugPort: data.DebugPort, Headless: headless}, nil
}

// findOpened attaches to an existing window's debug endpoint, if any.
func (c *Client) findOpened(ctx context.Context, profileID int64) (domain.OpenedProfile, bool) {
	opened, err := c.OpenedProfiles(ctx)
	if err != nil {
		return domain.OpenedProfile{}, false
	}
	for _, op := range opened {
		if op.ProfileID == profileID && op.WSURL != "" {
			return op, true
		}
	}
	return domain.OpenedProfile{}, false
}

// isHeadlessRefusal matches the daemon's known wordings for windows that
// cannot start headless.
func isHeadlessRefusal(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "headless") || strings.Contains(m, "cloud backup")
}

// interface guard
var _ domain.Broker = (*Client)(nil)
