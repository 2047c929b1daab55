package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"havoc/internal/logging"

	"go.uber.org/zap"
)

// Outcome of a reconciliation cycle
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Report describes one finished reconciliation cycle
type Report struct {
	CycleID     string         `json:"cycle_id"`
	Hostname    string         `json:"hostname,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Outcome     Outcome        `json:"outcome"`
	Changed     bool           `json:"changed"`
	Applied     bool           `json:"applied"`
	DryRun      bool           `json:"dry_run"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Pools       map[string]int `json:"pools"`
	Error       string         `json:"error,omitempty"`
	ReloadError string         `json:"reload_error,omitempty"`
}

// Duration returns how long the cycle took
func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the cycle finished with success
func (r Report) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Sink receives cycle reports
type Sink interface {
	Publish(ctx context.Context, r Report) error
}

// Publish hands r to every sink. Sink errors are logged and otherwise ignored.
func Publish(ctx context.Context, sinks []Sink, r Report) {
	for _, sink := range sinks {
		if err := sink.Publish(ctx, r); err != nil {
			logging.Logger().Warn("Failed to publish cycle report",
				zap.String("cycle_id", r.CycleID),
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Error(err))
		}
	}
}

// FileSink keeps the latest report as a JSON file
type FileSink struct {
	path string
}

// NewFileSink creates a FileSink writing to path
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Publish implements Sink
func (s *FileSink) Publish(ctx context.Context, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return os.WriteFile(s.path, data, 0644)
}

// Load reads a report written by FileSink
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &r, nil
}
