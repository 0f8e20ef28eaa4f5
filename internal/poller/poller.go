// Package poller drives the reasoning schedule: it finds sessions whose
// time has come and hands each one to the insight generator.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/debugpartner/internal/storage"
)

const defaultConcurrency = 4

// SessionSource lists the sessions that are due for processing.
type SessionSource interface {
	ListDueSessions(now time.Time) ([]storage.ReasoningSession, error)
}

// Processor generates the insight for one (problem, layer) pair.
type Processor interface {
	Process(ctx context.Context, problemID string, layerOrder int) error
}

// Poller periodically scans for due sessions and processes them with
// bounded concurrency.
type Poller struct {
	source      SessionSource
	proc        Processor
	concurrency int
	logger      *slog.Logger
}

// NewPoller creates a Poller. If concurrency is <= 0 it defaults to 4.
// If logger is nil, slog.Default() is used.
func NewPoller(source SessionSource, proc Processor, concurrency int, logger *slog.Logger) *Poller {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{source: source, proc: proc, concurrency: concurrency, logger: logger}
}

// RunOnce processes every session due at now and returns how many were
// attempted. Individual session failures do not stop the batch; the
// first one is returned after all sessions have been attempted.
func (p *Poller) RunOnce(ctx context.Context, now time.Time) (int, error) {
	due, err := p.source.ListDueSessions(now)
	if err != nil {
		return 0, fmt.Errorf("listing due sessions: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, session := range due {
		g.Go(func() error {
			if err := p.proc.Process(ctx, session.ProblemID, session.LayerOrder); err != nil {
				p.logger.Warn("session processing failed",
					"session_id", session.ID, "problem_id", session.ProblemID,
					"layer", session.LayerOrder, "error", err)
				return err
			}
			return nil
		})
	}
	return len(due), g.Wait()
}

// Run polls on the given interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := p.RunOnce(ctx, time.Now().UTC())
		if err != nil {
			p.logger.Error("poll iteration failed", "error", err)
		}
		if n > 0 {
			p.logger.Info("poll iteration complete", "sessions", n)
		}
	}
}
