package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arachnova/eventscout/internal/capture"
	"github.com/arachnova/eventscout/internal/extraction"
	"github.com/arachnova/eventscout/internal/ledger"
	"github.com/arachnova/eventscout/internal/remotesync"
	"github.com/arachnova/eventscout/internal/telemetry"
)

type recordingArchive struct {
	mu        sync.Mutex
	records   []capture.Record
	failIndex map[int]bool
	finalized []int
	statuses  []ledger.Status
	synced    bool
}

func (a *recordingArchive) AppendArchivePost(_ context.Context, record capture.Record) (ledger.MutationResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failIndex[record.Capture.PostIndex] {
		return ledger.MutationResult{}, errors.New("disk full")
	}
	a.records = append(a.records, record)
	return ledger.MutationResult{Success: true, RowsAffected: 1}, nil
}

func (a *recordingArchive) FinalizeArchive(_ context.Context, _ string, total int) (ledger.MutationResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalized = append(a.finalized, total)
	return ledger.MutationResult{Success: true}, nil
}

func (a *recordingArchive) SetStatus(ctx context.Context, _ string, status ledger.Status) (ledger.MutationResult, error) {
	if ctx.Err() != nil {
		return ledger.MutationResult{}, ctx.Err()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses = append(a.statuses, status)
	return ledger.MutationResult{Success: true}, nil
}

func (a *recordingArchive) SetSyncFlag(_ context.Context, _ string, synced bool) (ledger.MutationResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.synced = synced
	return ledger.MutationResult{Success: true}, nil
}

func (a *recordingArchive) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (p *recordingPublisher) Publish(_ string, event telemetry.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return true
}

func (p *recordingPublisher) snapshot() []telemetry.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]telemetry.Event(nil), p.events...)
}

type recordingSyncer struct {
	mu          sync.Mutex
	uploads     []int
	completions []remotesync.Completion
}

func (s *recordingSyncer) UploadPost(_ context.Context, _ string, record capture.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, record.Capture.PostIndex)
	return nil
}

func (s *recordingSyncer) CompleteSession(ctx context.Context, _ string, completion remotesync.Completion) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, completion)
	return nil
}

type fixture struct {
	archive   *recordingArchive
	publisher *recordingPublisher
	syncer    *recordingSyncer
	runner    *Runner
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	engine, err := extraction.NewEngine(extraction.Config{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	f := fixture{
		archive:   &recordingArchive{failIndex: map[int]bool{}},
		publisher: &recordingPublisher{},
		syncer:    &recordingSyncer{},
	}
	f.runner, err = NewRunner(RunnerConfig{
		Extractor: engine,
		Archive:   f.archive,
		Publisher: f.publisher,
		Syncer:    f.syncer,
	})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	return f
}

func captures() []capture.RawCapture {
	return []capture.RawCapture{
		{PostIndex: 1, RawCaption: "Lomba Foto\nHubungi: 0812-3456-7890"},
		{PostIndex: 2, RawCaption: "Pengumuman libur"},
		{PostIndex: 3, RawCaption: "Open Tournament\nCP 085711112222"},
	}
}

func TestRunProcessesPostsInOrder(t *testing.T) {
	f := newFixture(t)
	summary, err := f.runner.Run(context.Background(), "session-1", capture.NewSliceSource(captures()...))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Total != 3 || summary.Successful != 3 || summary.WithPhone != 2 || summary.Cancelled {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	for index, record := range f.archive.records {
		if record.Capture.PostIndex != index+1 || record.Capture.SessionID != "session-1" {
			t.Fatalf("unexpected archive order: %+v", record.Capture)
		}
	}
	first := f.archive.records[0].Fields
	if capture.Text(first.EventTitle) != "Lomba Foto" || first.Source != capture.SourceHeuristic || first.PhoneNumbers[0] != "081234567890" {
		t.Fatalf("unexpected extracted fields: %+v", first)
	}
	if len(f.archive.finalized) != 1 || f.archive.finalized[0] != 3 || len(f.archive.statuses) != 0 {
		t.Fatalf("unexpected ledger bookkeeping: finalized %v statuses %v", f.archive.finalized, f.archive.statuses)
	}
	if len(f.syncer.uploads) != 3 || len(f.syncer.completions) != 1 || f.syncer.completions[0].Status != remotesync.StatusCompleted {
		t.Fatalf("unexpected sync calls: %+v", f.syncer)
	}
	if !f.archive.synced {
		t.Fatalf("expected session flagged as synced")
	}
	if f.syncer.completions[0].PostsWithPhone != 2 {
		t.Fatalf("unexpected completion summary: %+v", f.syncer.completions[0])
	}

	events := f.publisher.snapshot()
	if len(events) != 5 {
		t.Fatalf("expected start, three progress and complete events, got %d", len(events))
	}
	progress := events[3]
	if progress.Type != telemetry.EventProgress || progress.Payload["current"] != 3 || progress.Payload["total"] != 3 {
		t.Fatalf("unexpected progress event: %+v", progress)
	}
	last := events[len(events)-1]
	if last.Type != telemetry.EventComplete || last.Payload["success"] != true {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestRunContinuesAfterPostFailure(t *testing.T) {
	f := newFixture(t)
	f.archive.failIndex[2] = true
	summary, err := f.runner.Run(context.Background(), "session-2", capture.NewSliceSource(captures()...))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Total != 3 || summary.Successful != 2 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if f.archive.count() != 2 || len(f.syncer.uploads) != 2 {
		t.Fatalf("expected failed post to be skipped, archive %d uploads %d", f.archive.count(), len(f.syncer.uploads))
	}
	events := f.publisher.snapshot()
	if events[len(events)-1].Payload["success"] != true {
		t.Fatalf("expected successful completion despite one failed post")
	}
}

func TestManagerStopPublishesTerminated(t *testing.T) {
	f := newFixture(t)
	manager := NewManager(context.Background(), f.runner, nil)
	if err := manager.StartFeed("session-3"); err != nil {
		t.Fatalf("start feed: %v", err)
	}
	if err := manager.StartFeed("session-3"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := manager.Ingest(context.Background(), "session-3", capture.RawCapture{PostIndex: 1, RawCaption: "Lomba Foto"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.archive.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected first capture to be archived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := manager.Stop("session-3"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	summary, err := manager.Wait(ctx, "session-3")
	if !errors.Is(err, ErrStopped) || !summary.Cancelled || summary.Successful != 1 {
		t.Fatalf("unexpected stop outcome: %+v %v", summary, err)
	}
	if manager.Running("session-3") {
		t.Fatalf("expected pipeline to be stopped")
	}
	events := f.publisher.snapshot()
	last := events[len(events)-1]
	if last.Type != telemetry.EventComplete || last.Payload["success"] != false || last.Payload["code"] != telemetry.CodeTerminated {
		t.Fatalf("unexpected final event: %+v", last)
	}
	if len(f.archive.statuses) != 1 || f.archive.statuses[0] != ledger.StatusError {
		t.Fatalf("expected session marked errored, got %v", f.archive.statuses)
	}
	if len(f.syncer.completions) != 1 || f.syncer.completions[0].Status != remotesync.StatusFailed {
		t.Fatalf("expected failed completion, got %+v", f.syncer.completions)
	}
	if f.archive.synced {
		t.Fatalf("expected cancelled session to stay unsynced")
	}
	if err := manager.Stop("session-3"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}
}

func TestManagerFeedFinishAndOrdering(t *testing.T) {
	f := newFixture(t)
	manager := NewManager(context.Background(), f.runner, nil)
	if err := manager.Ingest(context.Background(), "session-4", capture.RawCapture{}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before start, got %v", err)
	}
	if err := manager.StartFeed("session-4"); err != nil {
		t.Fatalf("start feed: %v", err)
	}
	for _, index := range []int{1, 3, 2} {
		if err := manager.Ingest(context.Background(), "session-4", capture.RawCapture{PostIndex: index, RawCaption: "caption"}); err != nil {
			t.Fatalf("ingest %d: %v", index, err)
		}
	}
	if err := manager.Finish("session-4"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	summary, err := manager.Wait(ctx, "session-4")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if summary.Total != 2 || summary.Successful != 2 || summary.Failed != 1 {
		t.Fatalf("expected out-of-order capture to be rejected, got %+v", summary)
	}

	if err := manager.Start("session-4", capture.NewSliceSource()); err != nil {
		t.Fatalf("restart after completion: %v", err)
	}
	if _, err := manager.Wait(ctx, "session-4"); err != nil {
		t.Fatalf("wait restart: %v", err)
	}
	if err := manager.Finish("session-4"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning for finished slice pipeline, got %v", err)
	}
	manager.Shutdown()
}

func TestManagerForgetsOldFinishedRuns(t *testing.T) {
	f := newFixture(t)
	manager := NewManager(context.Background(), f.runner, nil)
	manager.retain = 1
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, sessionID := range []string{"session-5", "session-6"} {
		if err := manager.Start(sessionID, capture.NewSliceSource()); err != nil {
			t.Fatalf("start %s: %v", sessionID, err)
		}
		if _, err := manager.Wait(ctx, sessionID); err != nil {
			t.Fatalf("wait %s: %v", sessionID, err)
		}
	}
	if _, err := manager.Wait(ctx, "session-5"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected oldest finished run to be forgotten, got %v", err)
	}
	if _, err := manager.Wait(ctx, "session-6"); err != nil {
		t.Fatalf("expected latest finished run to be retained, got %v", err)
	}
	manager.mu.Lock()
	retained := len(manager.runs)
	manager.mu.Unlock()
	if retained != 1 {
		t.Fatalf("expected one retained run, got %d", retained)
	}
	manager.Shutdown()
}

func TestNewRunnerRequiresDependencies(t *testing.T) {
	if _, err := NewRunner(RunnerConfig{}); err == nil {
		t.Fatalf("expected missing dependency error")
	}
}
