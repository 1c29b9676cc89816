package worker

import (
	"context"
	"fmt"

	"github.com/steveyegge/taskcache/internal/remote"
	"github.com/steveyegge/taskcache/internal/schema"
	"github.com/steveyegge/taskcache/internal/store"
)

// refresh pulls every project, label and open task and writes them over the
// cache page by page. Open tasks the pull did not return are pruned.
// Returns the number of pruned tasks.
func (w *Worker) refresh(ctx context.Context) (int, error) {
	pageSize := w.config.PageSize

	var projects int
	err := remote.Paginate(ctx, pageSize, w.api.ListProjects, func(page []*schema.Project) error {
		projects += len(page)
		return w.db.ApplyRefresh(ctx, store.RefreshPage{Projects: page})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to refresh projects: %w", err)
	}

	var labels int
	err = remote.Paginate(ctx, pageSize, w.api.ListLabels, func(page []*schema.Label) error {
		labels += len(page)
		return w.db.ApplyRefresh(ctx, store.RefreshPage{Labels: page})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to refresh labels: %w", err)
	}

	seen := make(map[int64]bool)
	err = remote.Paginate(ctx, pageSize, w.api.ListTasks, func(page []*schema.Task) error {
		for _, t := range page {
			seen[t.ID] = true
		}
		return w.db.ApplyRefresh(ctx, store.RefreshPage{Tasks: page})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to refresh tasks: %w", err)
	}

	pruned, err := w.db.PruneTasks(ctx, seen)
	if err != nil {
		return 0, err
	}
	for _, id := range pruned {
		w.config.Reminders.CancelForEntity(id)
	}

	if err := w.config.Reminders.RescheduleAll(ctx); err != nil {
		w.config.Logger.Printf("WARNING: Failed to reschedule reminders: %v", err)
	}

	w.config.Logger.Printf("Refreshed: projects=%d labels=%d tasks=%d (pruned=%d)",
		projects, labels, len(seen), len(pruned))
	return len(pruned), nil
}
