package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// RecordEntry is the persisted form of one extraction record plus whatever
// the downstream steps (download, caption) attached to it.
type RecordEntry struct {
	Index     int             `json:"index"`
	Status    string          `json:"status"`
	Success   bool            `json:"success"`
	PageURL   string          `json:"pageUrl,omitempty"`
	ImageURL  string          `json:"imageUrl,omitempty"`
	Title     string          `json:"title,omitempty"`
	Alt       string          `json:"alt,omitempty"`
	MediaPath string          `json:"mediaPath,omitempty"`
	Caption   string          `json:"caption,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

type Manifest struct {
	RunID      string        `json:"runId"`
	Query      string        `json:"query"`
	TargetID   string        `json:"targetId,omitempty"`
	TargetURL  string        `json:"targetUrl,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Success    bool          `json:"success"`
	Records    []RecordEntry `json:"records"`
}

// Store owns one run directory: downloaded media plus a manifest.json
// written once at flush time. Entries land in append order, so even a run
// that died mid-way flushes whatever it had already extracted.
type Store struct {
	dir      string
	manifest Manifest
}

// New creates the run directory {outDir}/{timestamp}-{short run id}.
func New(outDir, query, targetID, targetURL string) (*Store, error) {
	runID := uuid.NewString()
	dir := filepath.Join(outDir, fmt.Sprintf("%s-%s", time.Now().Format("20060102-150405"), runID[:8]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	return &Store{
		dir: dir,
		manifest: Manifest{
			RunID:     runID,
			Query:     query,
			TargetID:  targetID,
			TargetURL: targetURL,
			StartedAt: time.Now(),
		},
	}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) Append(entry RecordEntry) {
	s.manifest.Records = append(s.manifest.Records, entry)
}

// Flush writes the manifest with the run's overall outcome.
func (s *Store) Flush(success bool) error {
	s.manifest.Success = success
	s.manifest.FinishedAt = time.Now()
	data, err := json.MarshalIndent(s.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, "manifest.json"), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
