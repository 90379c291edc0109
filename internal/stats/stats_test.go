package stats

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"media-generation-pipeline/internal/models"
	"media-generation-pipeline/internal/queue"
	"media-generation-pipeline/internal/store"
)

func TestSnapshotAndRender(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := store.NewInMemoryStore()
	queues := queue.ForJobTypes(client, time.Minute)
	collector := NewCollector(st, queues)

	rec, _, err := st.CreateJob(ctx, store.CreateJobParams{
		OwnerID: "user-1",
		JobType: models.JobTypeEffect,
		Payload: models.JobPayload{SourceFileRefs: []string{"f"}, TargetChatID: 1},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := queues[models.JobTypeEffect].Enqueue(ctx, rec.ID, time.Time{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	snap, err := collector.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Queues) != len(models.JobTypes()) {
		t.Fatalf("snapshot covers %d queues, want %d", len(snap.Queues), len(models.JobTypes()))
	}
	effect := snap.Queues["effect_generation"]
	if effect.Waiting != 1 || effect.Total != 1 {
		t.Fatalf("effect counts = %+v", effect)
	}
	if snap.DB[models.StatusPending] != 1 {
		t.Fatalf("db counts = %+v", snap.DB)
	}

	var buf bytes.Buffer
	if err := Render(&buf, snap); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"QUEUE", "effect_generation", "video_generation", "upgrade_generation", "PENDING", "STATUS"} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered output missing %q:\n%s", want, out)
		}
	}
}

func TestSnapshotSurvivesDeadRedis(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := store.NewInMemoryStore()
	if _, _, err := st.CreateJob(ctx, store.CreateJobParams{
		OwnerID: "user-1",
		JobType: models.JobTypeEffect,
		Payload: models.JobPayload{SourceFileRefs: []string{"f"}, TargetChatID: 1},
	}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	collector := NewCollector(st, queue.ForJobTypes(client, time.Minute))

	mr.Close()
	snap, err := collector.Snapshot(ctx)
	if err == nil {
		t.Fatal("expected an error with Redis down")
	}
	// The store half still came through.
	if snap.DB[models.StatusPending] != 1 {
		t.Fatalf("db counts = %+v, want store side intact", snap.DB)
	}
}
