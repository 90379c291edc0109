package stats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"media-generation-pipeline/internal/models"
	"media-generation-pipeline/internal/queue"
	"media-generation-pipeline/internal/store"
)

// Snapshot is a point-in-time view of every queue and the record store.
type Snapshot struct {
	Queues  map[string]queue.Counts    `json:"queues"`
	DB      map[models.JobStatus]int64 `json:"db"`
	TakenAt time.Time                  `json:"taken_at"`
}

// Collector reads counts from the queues and the store.
type Collector struct {
	store  store.Store
	queues map[models.JobType]*queue.RedisQueue
}

func NewCollector(st store.Store, queues map[models.JobType]*queue.RedisQueue) *Collector {
	return &Collector{store: st, queues: queues}
}

// Snapshot gathers what it can and reports every failure it hit; a dead
// Redis must not hide the store counts or vice versa.
func (c *Collector) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Queues:  make(map[string]queue.Counts, len(c.queues)),
		TakenAt: time.Now().UTC(),
	}
	var errs []error

	for _, q := range c.queues {
		counts, err := q.Counts(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("counts for queue %s: %w", q.Name(), err))
			continue
		}
		snap.Queues[q.Name()] = counts
	}

	db, err := c.store.CountByStatus(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("count records: %w", err))
	} else {
		snap.DB = db
	}

	return snap, errors.Join(errs...)
}

// Render writes the snapshot as aligned tables.
func Render(w io.Writer, snap Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "QUEUE\tWAITING\tACTIVE\tCOMPLETED\tFAILED\tDELAYED\tTOTAL")
	names := make([]string, 0, len(snap.Queues))
	for name := range snap.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := snap.Queues[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			name, c.Waiting, c.Active, c.Completed, c.Failed, c.Delayed, c.Total)
	}

	fmt.Fprintln(tw, "\nSTATUS\tRECORDS")
	for _, status := range []models.JobStatus{
		models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed,
	} {
		fmt.Fprintf(tw, "%s\t%d\n", status, snap.DB[status])
	}

	return tw.Flush()
}
