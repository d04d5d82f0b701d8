// Package priority looks up a user's scheduling priority from an external
// service at job-creation time, defaulting safely when that lookup fails.
package priority

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wisbric/stepflow/pkg/job"
)

// Lookup fetches a user's priority class from an external API, defaulting
// to medium on any error, timeout, or unrecognized value.
type Lookup struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// New creates a Lookup against baseURL with the given connect/read timeout.
func New(baseURL string, connectTimeout, readTimeout time.Duration, logger *slog.Logger) *Lookup {
	return &Lookup{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: connectTimeout + readTimeout,
		},
		logger: logger,
	}
}

type priorityResponse struct {
	Priority string `json:"priority"`
}

// ForUser returns the user's priority, defaulting to medium on any failure.
func (l *Lookup) ForUser(ctx context.Context, userID string) job.Priority {
	if l.baseURL == "" {
		return job.PriorityMedium
	}

	url := l.baseURL + "/users/" + userID + "/priority"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		l.logger.Warn("building priority lookup request", "user_id", userID, "error", err)
		return job.PriorityMedium
	}

	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Warn("fetching user priority, defaulting to medium", "user_id", userID, "error", err)
		return job.PriorityMedium
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		l.logger.Warn("priority lookup returned non-2xx, defaulting to medium", "user_id", userID, "status", resp.StatusCode)
		return job.PriorityMedium
	}

	var body priorityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		l.logger.Warn("decoding priority response, defaulting to medium", "user_id", userID, "error", err)
		return job.PriorityMedium
	}

	p := job.Priority(strings.ToLower(body.Priority))
	if !p.Valid() {
		l.logger.Warn("invalid priority value, defaulting to medium", "user_id", userID, "priority", body.Priority)
		return job.PriorityMedium
	}
	return p
}
