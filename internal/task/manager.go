package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"runcore/internal/async"
	"runcore/internal/cancel"
	errs "runcore/internal/errors"
	"runcore/internal/eventbus"
	"runcore/internal/logging"
	"runcore/internal/observability"
	id "runcore/internal/utils/id"
)

// DefaultRetention is how many terminal records are kept for status queries.
const DefaultRetention = 1024

// ErrShuttingDown rejects Start after Shutdown.
var ErrShuttingDown = errors.New("task manager is shutting down")

// Option configures a Manager.
type Option func(*Manager)

// WithRetention bounds the number of terminal records kept for status
// queries. Running records are never evicted.
func WithRetention(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retention = n
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(logger) }
}

// WithMetrics records active runs and outcomes.
func WithMetrics(metrics *observability.MetricsCollector) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithTracer wraps every run in a span.
func WithTracer(tracer *observability.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tracer }
}

// Manager owns the session to run mapping. At most one run per session is
// running at any time; terminal records are retained in a bounded LRU.
type Manager struct {
	mu       sync.Mutex
	running  map[string]*run
	finished *lru.Cache[string, Record]
	closed   bool
	wg       sync.WaitGroup

	bus       Publisher
	retention int
	logger    logging.Logger
	metrics   *observability.MetricsCollector
	tracer    *observability.TracerProvider
}

type run struct {
	record Record
	token  *cancel.Token
	stop   context.CancelCauseFunc
	done   chan struct{}
}

// NewManager creates a manager that publishes lifecycle events to bus.
func NewManager(bus Publisher, opts ...Option) *Manager {
	m := &Manager{
		running:   make(map[string]*run),
		bus:       bus,
		retention: DefaultRetention,
		logger:    logging.NewComponentLogger("TaskManager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	// lru.New only errors on non-positive size which WithRetention guards.
	m.finished, _ = lru.New[string, Record](m.retention)
	return m
}

// Start launches job for sessionID unless a run is already active there, in
// which case nothing is created and AlreadyRunning is returned. The job runs
// on a context detached from ctx's cancellation but keeping its values.
func (m *Manager) Start(ctx context.Context, sessionID, kind string, job Job) (StartResult, error) {
	if sessionID == "" {
		return StartResult{}, errs.ErrInvalidSession
	}
	if job == nil {
		return StartResult{}, errs.NewValidationError("job", "must not be nil")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return StartResult{}, ErrShuttingDown
	}
	if current, ok := m.running[sessionID]; ok {
		m.mu.Unlock()
		return StartResult{Outcome: AlreadyRunning, RunID: current.record.RunID}, nil
	}

	runID := id.NewRunID()
	runCtx := observability.ContextWithRunID(observability.ContextWithSessionID(context.WithoutCancel(ctx), sessionID), runID)
	runCtx, stop := context.WithCancelCause(runCtx)
	r := &run{
		record: Record{
			RunID:     runID,
			SessionID: sessionID,
			Kind:      kind,
			Status:    StatusRunning,
			StartedAt: time.Now(),
		},
		token: cancel.New(),
		stop:  stop,
		done:  make(chan struct{}),
	}
	m.running[sessionID] = r
	m.finished.Remove(sessionID)
	m.wg.Add(1)
	m.mu.Unlock()

	m.execute(runCtx, r, job)
	return StartResult{Outcome: Started, RunID: runID}, nil
}

func (m *Manager) execute(ctx context.Context, r *run, job Job) {
	logger := logging.FromContext(ctx, m.logger)
	kind := r.record.Kind

	ctx, span := m.tracer.StartSpan(ctx, observability.SpanRun, attribute.String(observability.AttrRunKind, kind))
	m.metrics.RunStarted(ctx, kind)
	m.publish(ctx, r.record.SessionID, EventStarted, map[string]any{
		"run_id": r.record.RunID,
		"kind":   kind,
	})
	logger.Info("Run started (kind=%s)", kind)

	async.GoErr(m.logger, "task:"+r.record.SessionID, func() error {
		return job(ctx, r.token)
	}, func(err error) {
		defer m.wg.Done()
		defer span.End()

		status, message := classify(err, r.token)
		duration := time.Since(r.record.StartedAt)
		payload := map[string]any{
			"run_id":      r.record.RunID,
			"kind":        kind,
			"duration_ms": duration.Milliseconds(),
		}
		switch status {
		case StatusError:
			payload["error"] = message
			span.RecordError(err)
			span.SetStatus(codes.Error, message)
			logger.Warn("Run failed: %s", message)
		case StatusCancelled:
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, errs.ErrCancelled) {
				payload["reason"] = cause.Error()
			}
			logger.Info("Run cancelled after %s", duration)
		default:
			logger.Info("Run completed in %s", duration)
		}
		span.SetAttributes(attribute.String(observability.AttrStatus, string(status)))

		// Observers learn the outcome from the event stream before a status
		// query can report it.
		m.publish(context.WithoutCancel(ctx), r.record.SessionID, string(status), payload)
		m.metrics.RunFinished(ctx, kind, string(status), duration)
		m.finish(r, status, message)
	})
}

func classify(err error, token *cancel.Token) (Status, string) {
	switch {
	case err == nil:
		return StatusDone, ""
	case errs.IsCancelled(err), token.IsCancelled():
		return StatusCancelled, ""
	default:
		return StatusError, err.Error()
	}
}

func (m *Manager) finish(r *run, status Status, message string) {
	m.mu.Lock()
	r.record.Status = status
	r.record.Error = message
	r.record.FinishedAt = time.Now()
	if m.running[r.record.SessionID] == r {
		delete(m.running, r.record.SessionID)
		m.finished.Add(r.record.SessionID, r.record)
	}
	stop := r.stop
	r.stop = nil
	m.mu.Unlock()

	if stop != nil {
		stop(nil)
	}
	close(r.done)
}

// Cancel requests cancellation of the session's run: the token is set for
// cooperative jobs and the job context is cancelled as a forced stop. It
// returns immediately; callers observe completion through events or Status.
// Cancelling a finished run only reports its status.
func (m *Manager) Cancel(sessionID string) CancelResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.running[sessionID]; ok {
		r.token.Cancel()
		if r.stop != nil {
			r.stop(errs.ErrCancelled)
		}
		m.logger.Info("Cancellation requested for session %s (run %s)", sessionID, r.record.RunID)
		return CancelResult{Outcome: Cancelling, Status: StatusRunning}
	}
	if rec, ok := m.finished.Peek(sessionID); ok {
		return CancelResult{Outcome: Cancelling, Status: rec.Status}
	}
	return CancelResult{Outcome: NotFound}
}

// Status reports the session's current or most recent run. It has no side
// effects, including on retention order.
func (m *Manager) Status(sessionID string) StatusResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.running[sessionID]; ok {
		return StatusResult{Exists: true, Record: r.record}
	}
	if rec, ok := m.finished.Peek(sessionID); ok {
		return StatusResult{Exists: true, Record: rec}
	}
	return StatusResult{}
}

// List returns every known record, newest first.
func (m *Manager) List() []Record {
	m.mu.Lock()
	records := make([]Record, 0, len(m.running)+m.finished.Len())
	for _, r := range m.running {
		records = append(records, r.record)
	}
	for _, rec := range m.finished.Values() {
		records = append(records, rec)
	}
	m.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].StartedAt.After(records[j].StartedAt) })
	return records
}

// Wait blocks until the session's current run finishes or ctx is done and
// returns the final record. Sessions without a running run return their
// retained record, or errs.ErrSessionNotFound.
func (m *Manager) Wait(ctx context.Context, sessionID string) (Record, error) {
	m.mu.Lock()
	r, ok := m.running[sessionID]
	m.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
	status := m.Status(sessionID)
	if !status.Exists {
		return Record{}, fmt.Errorf("%w: %s", errs.ErrSessionNotFound, sessionID)
	}
	return status.Record, nil
}

// Shutdown rejects new runs, cancels every running one and waits for them to
// finish or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]string, 0, len(m.running))
	for sessionID := range m.running {
		sessions = append(sessions, sessionID)
	}
	m.mu.Unlock()

	for _, sessionID := range sessions {
		m.Cancel(sessionID)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("All runs stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d run(s): %w", len(sessions), ctx.Err())
	}
}

func (m *Manager) publish(ctx context.Context, sessionID, eventType string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, sessionID, eventType, payload)
}

var _ Publisher = (*eventbus.Bus)(nil)
