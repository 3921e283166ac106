package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Syncer asks a running unit to upload its project state to durable storage.
type Syncer interface {
	Sync(ctx context.Context, agentBaseURL, projectID string) error
}

// HTTPSyncer triggers POST <agentBaseURL>/sync on the unit itself.
type HTTPSyncer struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPSyncer creates a syncer bounded by timeout.
func NewHTTPSyncer(timeout time.Duration) *HTTPSyncer {
	return &HTTPSyncer{Client: &http.Client{}, Timeout: timeout}
}

// Sync blocks until the unit reports the upload finished or the timeout elapses.
func (s *HTTPSyncer) Sync(ctx context.Context, agentBaseURL, projectID string) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(map[string]string{"projectId": projectID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentBaseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("sync request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sync returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
