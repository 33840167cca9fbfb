package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const targetListTimeout = 5 * time.Second

// Target describes one debuggable page exposed by the remote browser's
// /json/list endpoint. Read-only to the rest of the program.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// FetchTargets lists the tabs exposed by the remote debugging endpoint.
func FetchTargets(ctx context.Context, endpoint string) ([]Target, error) {
	listURL := strings.TrimRight(endpoint, "/") + "/json/list"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	client := &http.Client{Timeout: targetListTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch targets: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch targets: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var targets []Target
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	return targets, nil
}

// FindTarget returns the tab with the given id.
func FindTarget(ctx context.Context, endpoint, targetID string) (Target, error) {
	targets, err := FetchTargets(ctx, endpoint)
	if err != nil {
		return Target{}, err
	}
	for _, t := range targets {
		if t.ID == targetID {
			return t, nil
		}
	}
	return Target{}, fmt.Errorf("no tab found with targetId=%s", targetID)
}

// SelectTarget picks the tab to drive: the one with the given id when set,
// otherwise the first page target. A selected tab without a WebSocket
// debugger URL is a configuration error.
func SelectTarget(ctx context.Context, endpoint, targetID string) (Target, error) {
	if targetID != "" {
		t, err := FindTarget(ctx, endpoint, targetID)
		if err != nil {
			return Target{}, err
		}
		return checkConnectable(t)
	}
	targets, err := FetchTargets(ctx, endpoint)
	if err != nil {
		return Target{}, err
	}
	for _, t := range targets {
		if t.Type == "page" {
			return checkConnectable(t)
		}
	}
	return Target{}, fmt.Errorf("no page targets exposed by the remote browser")
}

func checkConnectable(t Target) (Target, error) {
	if t.WebSocketDebuggerURL == "" {
		return Target{}, fmt.Errorf("target %s is missing webSocketDebuggerUrl", t.ID)
	}
	return t, nil
}

// FormatTarget renders a tab for human-readable listings.
func FormatTarget(t Target) string {
	url := t.URL
	if url == "" {
		url = "about:blank"
	}
	if t.Title != "" {
		return fmt.Sprintf("%s (targetId=%s)  title=%q", url, t.ID, t.Title)
	}
	return fmt.Sprintf("%s (targetId=%s)", url, t.ID)
}
