package pipeline

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/arachnova/eventscout/internal/capture"
)

var (
	// ErrAlreadyRunning reports a second start for a session with a live pipeline.
	ErrAlreadyRunning = errors.New("pipeline: already running")
	// ErrNotRunning reports a control call for a session without a pipeline.
	ErrNotRunning = errors.New("pipeline: not running")
	// ErrNoFeed reports an ingest into a pipeline that was not started with a feed.
	ErrNoFeed = errors.New("pipeline: session has no capture feed")
)

const (
	defaultFeedCapacity = 32
	// defaultRetainFinished bounds how many finished runs stay available to Wait.
	defaultRetainFinished = 64
)

type run struct {
	cancel  context.CancelCauseFunc
	feed    *capture.ChannelSource
	done    chan struct{}
	summary Summary
	err     error
}

// Manager tracks at most one running pipeline per session.
type Manager struct {
	runner *Runner
	base   context.Context
	logger *zap.Logger

	mu       sync.Mutex
	runs     map[string]*run
	finished []finishedRun
	retain   int
	wg       sync.WaitGroup
}

type finishedRun struct {
	sessionID string
	run       *run
}

// NewManager binds pipelines to the base context; cancelling it stops every pipeline.
func NewManager(base context.Context, runner *Runner, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		runner: runner,
		base:   base,
		logger: logger,
		runs:   make(map[string]*run),
		retain: defaultRetainFinished,
	}
}

// Start runs the pipeline for a session over the given source.
func (m *Manager) Start(sessionID string, source capture.Source) error {
	return m.start(sessionID, source, nil)
}

// StartFeed starts a pipeline fed by Ingest calls until Finish.
func (m *Manager) StartFeed(sessionID string) error {
	feed := capture.NewChannelSource(defaultFeedCapacity)
	return m.start(sessionID, capture.Ordered(feed), feed)
}

func (m *Manager) start(sessionID string, source capture.Source, feed *capture.ChannelSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.runs[sessionID]; ok && !isDone(current) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancelCause(m.base)
	current := &run{cancel: cancel, feed: feed, done: make(chan struct{})}
	m.runs[sessionID] = current
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(current.done)
		defer cancel(nil)
		summary, err := m.runner.Run(ctx, sessionID, source)
		if feed != nil {
			feed.Close()
		}
		m.mu.Lock()
		current.summary = summary
		current.err = err
		m.retireLocked(sessionID, current)
		m.mu.Unlock()
	}()
	m.logger.Info("pipeline started", zap.String("session_id", sessionID), zap.Bool("feed", feed != nil))
	return nil
}

// Ingest hands a capture to a feed pipeline.
func (m *Manager) Ingest(ctx context.Context, sessionID string, raw capture.RawCapture) error {
	current, err := m.live(sessionID)
	if err != nil {
		return err
	}
	if current.feed == nil {
		return ErrNoFeed
	}
	return current.feed.Push(ctx, raw)
}

// Finish ends a feed pipeline's input; the pipeline completes after draining it.
func (m *Manager) Finish(sessionID string) error {
	current, err := m.live(sessionID)
	if err != nil {
		return err
	}
	if current.feed == nil {
		return ErrNoFeed
	}
	current.feed.Close()
	return nil
}

// Stop cancels a running pipeline with ErrStopped.
func (m *Manager) Stop(sessionID string) error {
	current, err := m.live(sessionID)
	if err != nil {
		return err
	}
	current.cancel(ErrStopped)
	return nil
}

// Running reports whether a session has a live pipeline.
func (m *Manager) Running(sessionID string) bool {
	_, err := m.live(sessionID)
	return err == nil
}

// Wait blocks until the session's latest pipeline ends and returns its outcome. Only the most
// recent finished runs are retained; older ones report ErrNotRunning.
func (m *Manager) Wait(ctx context.Context, sessionID string) (Summary, error) {
	m.mu.Lock()
	current, ok := m.runs[sessionID]
	m.mu.Unlock()
	if !ok {
		return Summary{}, ErrNotRunning
	}
	select {
	case <-current.done:
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return current.summary, current.err
}

// Shutdown stops every pipeline and waits for them to end.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, current := range m.runs {
		current.cancel(ErrStopped)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// retireLocked records a finished run and forgets the oldest finished runs beyond the
// retention bound. A session restarted since is left alone. Requires m.mu.
func (m *Manager) retireLocked(sessionID string, current *run) {
	m.finished = append(m.finished, finishedRun{sessionID: sessionID, run: current})
	for len(m.finished) > m.retain {
		oldest := m.finished[0]
		m.finished = m.finished[1:]
		if m.runs[oldest.sessionID] == oldest.run {
			delete(m.runs, oldest.sessionID)
		}
	}
}

func (m *Manager) live(sessionID string) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.runs[sessionID]
	if !ok || isDone(current) {
		return nil, ErrNotRunning
	}
	return current, nil
}

func isDone(current *run) bool {
	select {
	case <-current.done:
		return true
	default:
		return false
	}
}
