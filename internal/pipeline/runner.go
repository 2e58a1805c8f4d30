// Package pipeline drives one session at a time through capture, extraction, archiving,
// remote sync and telemetry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/arachnova/eventscout/internal/capture"
	"github.com/arachnova/eventscout/internal/ledger"
	"github.com/arachnova/eventscout/internal/remotesync"
	"github.com/arachnova/eventscout/internal/telemetry"
)

// ErrStopped is the cancellation cause used when an operator stops a pipeline.
var ErrStopped = errors.New("pipeline: stopped")

const codeCancelled = "CANCELLED"

var errMissingDependency = errors.New("pipeline: extractor, archive and publisher are required")

// Extractor computes fields for a caption.
type Extractor interface {
	Extract(ctx context.Context, caption string) capture.ExtractedFields
}

// Archive is the ledger write path used by the pipeline.
type Archive interface {
	AppendArchivePost(ctx context.Context, record capture.Record) (ledger.MutationResult, error)
	FinalizeArchive(ctx context.Context, sessionID string, totalPosts int) (ledger.MutationResult, error)
	SetStatus(ctx context.Context, sessionID string, status ledger.Status) (ledger.MutationResult, error)
	SetSyncFlag(ctx context.Context, sessionID string, synced bool) (ledger.MutationResult, error)
}

// Publisher receives telemetry events.
type Publisher interface {
	Publish(sessionID string, event telemetry.Event) bool
}

// RunnerConfig wires the runner dependencies. Syncer defaults to a no-op.
type RunnerConfig struct {
	Extractor Extractor
	Archive   Archive
	Publisher Publisher
	Syncer    remotesync.Syncer
	Logger    *zap.Logger
}

// Runner processes posts strictly one after another.
type Runner struct {
	extractor Extractor
	archive   Archive
	publisher Publisher
	syncer    remotesync.Syncer
	logger    *zap.Logger
}

// Summary counts the outcome of a run.
type Summary struct {
	Total      int  `json:"total"`
	Successful int  `json:"successful"`
	WithPhone  int  `json:"with_phone"`
	Failed     int  `json:"failed"`
	Cancelled  bool `json:"cancelled"`
}

// NewRunner validates the configuration.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Extractor == nil || cfg.Archive == nil || cfg.Publisher == nil {
		return nil, errMissingDependency
	}
	syncer := cfg.Syncer
	if syncer == nil {
		syncer = remotesync.Noop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		extractor: cfg.Extractor,
		archive:   cfg.Archive,
		publisher: cfg.Publisher,
		syncer:    syncer,
		logger:    logger,
	}, nil
}

type sized interface {
	Len() int
}

// Run drains the source. Post N is extracted and archived before post N+1 is read. A failing
// post is reported and skipped. Cancellation publishes an unsuccessful completion and marks
// the session as errored; posts already archived stay archived.
func (r *Runner) Run(ctx context.Context, sessionID string, source capture.Source) (Summary, error) {
	var summary Summary
	expected := 0
	if counted, ok := source.(sized); ok {
		expected = counted.Len()
	}
	logger := r.logger.With(zap.String("session_id", sessionID))
	r.publish(sessionID, telemetry.LogEvent("info", "pipeline started"))

	for {
		raw, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if ctx.Err() != nil {
			return r.cancelled(ctx, sessionID, summary, logger)
		}
		if err != nil {
			summary.Failed++
			logger.Warn("capture rejected", zap.Error(err))
			r.publish(sessionID, telemetry.LogEvent("warn", fmt.Sprintf("capture rejected: %v", err)))
			continue
		}
		summary.Total++
		raw.SessionID = sessionID
		record := capture.Record{Capture: raw, Fields: r.extractor.Extract(ctx, raw.RawCaption)}
		if _, err := r.archive.AppendArchivePost(ctx, record); err != nil {
			if ctx.Err() != nil {
				return r.cancelled(ctx, sessionID, summary, logger)
			}
			summary.Failed++
			logger.Warn("archive append failed", zap.Int("post_index", raw.PostIndex), zap.Error(err))
			r.publish(sessionID, telemetry.LogEvent("error", fmt.Sprintf("post %d failed: %v", raw.PostIndex, err)))
			r.publish(sessionID, telemetry.ProgressEvent(summary.Total, expected, fmt.Sprintf("post %d failed", raw.PostIndex)))
			continue
		}
		summary.Successful++
		if record.HasPhone() {
			summary.WithPhone++
		}
		if err := r.syncer.UploadPost(ctx, sessionID, record); err != nil {
			logger.Warn("remote upload failed", zap.Int("post_index", raw.PostIndex), zap.Error(err))
		}
		logger.Info("post processed",
			zap.Int("post_index", raw.PostIndex),
			zap.String("source", string(record.Fields.Source)),
			zap.Int("phones", len(record.Fields.PhoneNumbers)))
		r.publish(sessionID, telemetry.ProgressEvent(summary.Total, expected, fmt.Sprintf("post %d processed", raw.PostIndex)))
	}

	if _, err := r.archive.FinalizeArchive(ctx, sessionID, summary.Total); err != nil {
		logger.Warn("finalize archive failed", zap.Error(err))
	}
	completion := remotesync.Completion{
		Status:          remotesync.StatusCompleted,
		TotalPosts:      summary.Total,
		SuccessfulPosts: summary.Successful,
		PostsWithPhone:  summary.WithPhone,
	}
	if err := r.syncer.CompleteSession(ctx, sessionID, completion); err != nil {
		logger.Warn("remote completion failed", zap.Error(err))
	} else if _, noop := r.syncer.(remotesync.Noop); !noop {
		if _, err := r.archive.SetSyncFlag(ctx, sessionID, true); err != nil {
			logger.Warn("marking session synced failed", zap.Error(err))
		}
	}
	logger.Info("pipeline completed",
		zap.Int("total", summary.Total),
		zap.Int("successful", summary.Successful),
		zap.Int("with_phone", summary.WithPhone))
	r.publish(sessionID, telemetry.CompleteEvent(true, ""))
	return summary, nil
}

func (r *Runner) cancelled(ctx context.Context, sessionID string, summary Summary, logger *zap.Logger) (Summary, error) {
	summary.Cancelled = true
	cause := context.Cause(ctx)
	code := codeCancelled
	if errors.Is(cause, ErrStopped) {
		code = telemetry.CodeTerminated
	}
	detached := context.WithoutCancel(ctx)
	if _, err := r.archive.SetStatus(detached, sessionID, ledger.StatusError); err != nil {
		logger.Warn("marking session errored failed", zap.Error(err))
	}
	completion := remotesync.Completion{
		Status:          remotesync.StatusFailed,
		TotalPosts:      summary.Total,
		SuccessfulPosts: summary.Successful,
		PostsWithPhone:  summary.WithPhone,
		ErrorMessage:    cause.Error(),
	}
	if err := r.syncer.CompleteSession(detached, sessionID, completion); err != nil {
		logger.Warn("remote completion failed", zap.Error(err))
	}
	logger.Warn("pipeline cancelled", zap.String("code", code), zap.Error(cause))
	r.publish(sessionID, telemetry.CompleteEvent(false, code))
	return summary, cause
}

func (r *Runner) publish(sessionID string, event telemetry.Event) {
	r.publisher.Publish(sessionID, event)
}
