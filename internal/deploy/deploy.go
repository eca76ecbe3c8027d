// Package deploy hands release artifacts to the platform that runs them.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tachyonhq/tachyon/pkg/promotion"
)

// Request is the body POSTed by Webhook.
type Request struct {
	ID          string               `json:"id"`
	Environment string               `json:"environment"`
	Artifacts   []promotion.Artifact `json:"artifacts"`
	RequestedAt time.Time            `json:"requested_at"`
}

// Webhook triggers deployments by POSTing to a per-environment URL. The
// endpoint is expected to block until the rollout was accepted; a non-2xx
// answer fails the promotion. Requests are not retried.
type Webhook struct {
	URLs   map[string]string
	Token  string
	Client *http.Client
}

// Deploy implements promotion.Deployer.
func (w *Webhook) Deploy(ctx context.Context, environment string, artifacts []promotion.Artifact) error {
	url, ok := w.URLs[environment]
	if !ok || url == "" {
		return fmt.Errorf("no deploy webhook configured for %s", environment)
	}

	body, err := json.Marshal(Request{
		ID:          uuid.NewString(),
		Environment: environment,
		Artifacts:   artifacts,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding deploy request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building deploy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling deploy webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("deploy webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
