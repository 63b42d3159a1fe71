package job

import (
	"context"
	"testing"
	"time"

	"github.com/relaynote/relay/internal/options"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.db.Close() })
	return store
}

func makeJob(id string) *Job {
	return &Job{
		ID:             id,
		SourceFilePath: "/uploads/" + id + ".mp4",
		DisplayName:    id + ".mp4",
		Options:        options.Default(),
		CreatedAt:      time.Now().UTC(),
	}
}

func mustGet(t *testing.T, store *SQLiteStore, id string) *Job {
	t.Helper()
	got, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	if got == nil {
		t.Fatalf("Get %s returned nil, want job", id)
	}
	return got
}

func TestUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	j := makeJob("job-1")
	j.Options = options.Options{Language: "en", Template: "meeting", MinSpeakers: 2}
	if err := store.Upsert(ctx, j); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got := mustGet(t, store, "job-1")
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if got.SourceFilePath != j.SourceFilePath {
		t.Errorf("SourceFilePath = %q, want %q", got.SourceFilePath, j.SourceFilePath)
	}
	if got.Options != j.Options {
		t.Errorf("Options = %+v, want %+v", got.Options, j.Options)
	}
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("Get returned %+v, want nil", got)
	}
}

func TestUpsert_SameIDUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Upsert(ctx, makeJob("job-1")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.RecordStage(ctx, "job-1", StageOutput{AudioPath: "/work/job-1/audio.wav"}); err != nil {
		t.Fatalf("RecordStage: %v", err)
	}
	if err := store.MarkFailed(ctx, "job-1", "whisper crashed"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	first := mustGet(t, store, "job-1")

	again := makeJob("job-1")
	again.SourceFilePath = "/uploads/job-1-retry.mp4"
	again.Options = options.Options{Language: "pt", Template: "lecture"}
	if err := store.Upsert(ctx, again); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	_, total, err := store.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}

	got := mustGet(t, store, "job-1")
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, StatusPending)
	}
	if got.Error != "" {
		t.Errorf("Error = %q, want empty", got.Error)
	}
	if got.SourceFilePath != again.SourceFilePath {
		t.Errorf("SourceFilePath = %q, want %q", got.SourceFilePath, again.SourceFilePath)
	}
	if got.Options.Template != "lecture" {
		t.Errorf("Template = %q, want lecture", got.Options.Template)
	}
	if got.AudioPath != "/work/job-1/audio.wav" {
		t.Errorf("AudioPath = %q, stage output must survive upsert", got.AudioPath)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed from %v to %v", first.CreatedAt, got.CreatedAt)
	}
}

func TestRecordStage_AppendsOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.Upsert(ctx, makeJob("job-1")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	steps := []StageOutput{
		{AudioPath: "/w/audio.wav", DurationSeconds: 61.5},
		{TranscriptPath: "/w/transcript.txt"},
		{SummaryPath: "/w/summary.md"},
	}
	for _, out := range steps {
		if err := store.RecordStage(ctx, "job-1", out); err != nil {
			t.Fatalf("RecordStage: %v", err)
		}
	}

	got := mustGet(t, store, "job-1")
	if got.AudioPath != "/w/audio.wav" || got.TranscriptPath != "/w/transcript.txt" || got.SummaryPath != "/w/summary.md" {
		t.Errorf("paths = (%q, %q, %q)", got.AudioPath, got.TranscriptPath, got.SummaryPath)
	}
	if got.DurationSeconds != 61.5 {
		t.Errorf("DurationSeconds = %v, want 61.5", got.DurationSeconds)
	}
}

func TestUpdateStatus_SetsStartedAt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.Upsert(ctx, makeJob("job-1")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := store.UpdateStatus(ctx, "job-1", StatusExtracting); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got := mustGet(t, store, "job-1")
	if got.Status != StatusExtracting {
		t.Errorf("Status = %q, want %q", got.Status, StatusExtracting)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt is nil, want non-nil")
	}
}

func TestMarkCompleted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.Upsert(ctx, makeJob("job-1")); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.MarkCompleted(ctx, "job-1"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	got := mustGet(t, store, "job-1")
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, StatusCompleted)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt is nil, want non-nil")
	}
}

func TestList_NewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new", "mid"} {
		j := makeJob(id)
		j.CreatedAt = base.Add(time.Duration([]int{0, 2, 1}[i]) * time.Hour)
		if err := store.Upsert(ctx, j); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}

	jobs, total, err := store.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	want := []string{"new", "mid", "old"}
	for i, j := range jobs {
		if j.ID != want[i] {
			t.Errorf("jobs[%d] = %q, want %q", i, j.ID, want[i])
		}
	}
}

func TestFailInterrupted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, id := range []string{"pending", "extracting", "summarizing", "done"} {
		if err := store.Upsert(ctx, makeJob(id)); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}
	if err := store.UpdateStatus(ctx, "extracting", StatusExtracting); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateStatus(ctx, "summarizing", StatusSummarizing); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkCompleted(ctx, "done"); err != nil {
		t.Fatal(err)
	}

	ids, err := store.FailInterrupted(ctx, "interrupted")
	if err != nil {
		t.Fatalf("FailInterrupted: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("FailInterrupted returned %v, want 2 ids", ids)
	}

	want := map[string]Status{
		"pending":     StatusPending,
		"extracting":  StatusFailed,
		"summarizing": StatusFailed,
		"done":        StatusCompleted,
	}
	for id, st := range want {
		if got := mustGet(t, store, id); got.Status != st {
			t.Errorf("%s Status = %q, want %q", id, got.Status, st)
		}
	}
}
