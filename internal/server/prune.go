package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kilupskalvis/docgate/internal/tasks"
)

// PruneResult contains the outcome of a task pruning run.
type PruneResult struct {
	IndexUID string    `json:"indexUid,omitempty"`
	Cutoff   time.Time `json:"cutoff"`
	Removed  int       `json:"removed"`
}

// PruneTasks removes finished tasks older than maxAge. An empty uid prunes
// every index.
func PruneTasks(ctx context.Context, store *tasks.Store, uid string, maxAge time.Duration, logger *slog.Logger) (*PruneResult, error) {
	result := &PruneResult{IndexUID: uid, Cutoff: time.Now().Add(-maxAge).UTC()}

	removed, err := store.Prune(ctx, uid, result.Cutoff)
	if err != nil {
		return nil, fmt.Errorf("prune tasks: %w", err)
	}
	result.Removed = removed

	logger.Info("task prune complete",
		"index", uid,
		"cutoff", result.Cutoff,
		"removed", result.Removed,
	)

	return result, nil
}

// RunPruner prunes finished tasks older than maxAge every interval until ctx
// is done.
func RunPruner(ctx context.Context, store *tasks.Store, interval, maxAge time.Duration, logger *slog.Logger) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := PruneTasks(ctx, store, "", maxAge, logger); err != nil {
				logger.Warn("scheduled task prune failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
