// Package storage persists one report per finished run: a JSON summary plus
// a snapshot of the shared log, under a per-run directory.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ddtui/internal/engine"
)

type Store struct {
	runsDir string
}

// Report is the durable record of one run.
type Report struct {
	RunID       string `json:"run_id"`
	Kind        string `json:"kind"`
	Source      string `json:"source"`
	Dest        string `json:"dest"`
	State       string `json:"state"`
	Cancelled   bool   `json:"cancelled"`
	ExitCode    int    `json:"exit_code"`
	TotalBytes  uint64 `json:"total_bytes"`
	Transferred uint64 `json:"transferred_bytes"`
	ErrorCount  int    `json:"error_count"`
	StartedAt   string `json:"started_at"`
	FinishedAt  string `json:"finished_at"`
	SavedAt     string `json:"saved_at"`
	Directory   string `json:"directory,omitempty"`
}

func NewStore(runsDir string) (*Store, error) {
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}
	return &Store{runsDir: runsDir}, nil
}

func (s *Store) RunsDir() string {
	return s.runsDir
}

// SaveRun writes the report and the log snapshot for a terminal-state run.
func (s *Store) SaveRun(snap engine.Snapshot, logDump string) (Report, error) {
	now := time.Now().UTC()
	shortID := snap.ID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	dirName := fmt.Sprintf("%s-%s", now.Format("20060102-150405"), shortID)
	dirPath := filepath.Join(s.runsDir, dirName)
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return Report{}, fmt.Errorf("create run report dir: %w", err)
	}

	report := Report{
		RunID:       snap.ID,
		Kind:        snap.Kind.String(),
		Source:      snap.Source,
		Dest:        snap.Dest,
		State:       snap.State.String(),
		Cancelled:   snap.Cancelled,
		ExitCode:    snap.ExitCode,
		TotalBytes:  snap.TotalBytes,
		Transferred: snap.Bytes,
		ErrorCount:  snap.ErrorCount,
		SavedAt:     now.Format(time.RFC3339),
		Directory:   dirPath,
	}
	if !snap.StartedAt.IsZero() {
		report.StartedAt = snap.StartedAt.UTC().Format(time.RFC3339)
	}
	if !snap.FinishedAt.IsZero() {
		report.FinishedAt = snap.FinishedAt.UTC().Format(time.RFC3339)
	}

	blob, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return Report{}, fmt.Errorf("marshal run report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dirPath, "summary.json"), blob, 0o644); err != nil {
		return Report{}, fmt.Errorf("write run report: %w", err)
	}
	if strings.TrimSpace(logDump) != "" {
		if err := os.WriteFile(filepath.Join(dirPath, "log.txt"), []byte(logDump+"\n"), 0o644); err != nil {
			return Report{}, fmt.Errorf("write run log: %w", err)
		}
	}
	return report, nil
}

// List returns saved reports, newest first.
func (s *Store) List(limit int) ([]Report, error) {
	entries, err := os.ReadDir(s.runsDir)
	if err != nil {
		return nil, fmt.Errorf("read runs dir: %w", err)
	}

	reports := make([]Report, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		blob, err := os.ReadFile(filepath.Join(s.runsDir, entry.Name(), "summary.json"))
		if err != nil {
			continue
		}
		var report Report
		if err := json.Unmarshal(blob, &report); err != nil {
			continue
		}
		if report.Directory == "" {
			report.Directory = filepath.Join(s.runsDir, entry.Name())
		}
		reports = append(reports, report)
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].SavedAt > reports[j].SavedAt
	})
	if limit > 0 && len(reports) > limit {
		reports = reports[:limit]
	}
	return reports, nil
}
