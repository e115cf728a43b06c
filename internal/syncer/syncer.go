// Package syncer keeps a client-side cache of workflow state fresh by polling, and applies local
// writes optimistically before the store acknowledges them.
//
// Writes send the whole steps array. Two clients changing different steps inside one polling
// window race, and the later write silently discards the earlier one.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"specflow/internal/config"
	"specflow/internal/domain"
	"specflow/internal/logging"
	"specflow/internal/metrics"
	"specflow/internal/repo"
	"specflow/internal/workflow"
)

// ErrSyncTimeout is returned when a write is not acknowledged within the write timeout. The cache
// has been rolled back; resending the same change is safe.
var ErrSyncTimeout = errors.New("sync timeout")

// Remote is the store the syncer reads from and writes to. A missing subject must match
// repo.ErrNotFound.
type Remote interface {
	GetWorkflow(ctx context.Context, subjectID string) (domain.Workflow, error)
	PutWorkflow(ctx context.Context, subjectID string, isVisible bool, steps []domain.Step) (domain.Workflow, error)
	ListPendingApprovals(ctx context.Context) ([]domain.Workflow, error)
}

// Snapshot is the cached state of one subject. Found is false while the subject has not been
// started. Err holds the last read failure; Workflow keeps the last good value.
type Snapshot struct {
	SubjectID string
	Workflow  domain.Workflow
	Found     bool
	Err       error
	Version   uint64
	Pending   bool
}

type Options struct {
	WorkflowInterval  time.Duration
	ApprovalsInterval time.Duration
	WriteTimeout      time.Duration
	Logger            *zap.Logger
	Now               func() time.Time
}

// OptionsFromConfig maps the sync section of specflow.yml.
func OptionsFromConfig(cfg config.SyncConfig, logger *zap.Logger) Options {
	return Options{
		WorkflowInterval:  cfg.WorkflowInterval,
		ApprovalsInterval: cfg.ApprovalsInterval,
		WriteTimeout:      cfg.WriteTimeout,
		Logger:            logger,
	}
}

type entry struct {
	snap     Snapshot
	writes   int
	writeSeq uint64
	writeMu  sync.Mutex
	subs     map[*Subscription]struct{}
}

// Syncer is safe for concurrent use.
type Syncer struct {
	remote Remote
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	version uint64
	entries map[string]*entry
}

func New(remote Remote, opts Options) *Syncer {
	if opts.WorkflowInterval <= 0 {
		opts.WorkflowInterval = 5 * time.Second
	}
	if opts.ApprovalsInterval <= 0 {
		opts.ApprovalsInterval = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{
		remote:  remote,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).Named("syncer"),
		entries: make(map[string]*entry),
	}
}

// entryLocked returns the cache entry for subjectID. s.mu must be held.
func (s *Syncer) entryLocked(subjectID string) *entry {
	e, ok := s.entries[subjectID]
	if !ok {
		e = &entry{snap: Snapshot{SubjectID: subjectID}, subs: map[*Subscription]struct{}{}}
		s.entries[subjectID] = e
	}
	return e
}

// setLocked replaces the cached snapshot and notifies subscribers. s.mu must be held.
func (s *Syncer) setLocked(e *entry, snap Snapshot) Snapshot {
	s.version++
	snap.Version = s.version
	snap.Pending = e.writes > 0
	e.snap = snap
	for sub := range e.subs {
		sub.deliver(snap)
	}
	return snap
}

// Snapshot returns the cached state without touching the network.
func (s *Syncer) Snapshot(subjectID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryLocked(subjectID).snap
}

// Refresh reads the subject from the remote. A result that comes back while a write is in flight,
// or after a write started, is discarded and the current snapshot returned instead.
func (s *Syncer) Refresh(ctx context.Context, subjectID string) Snapshot {
	s.mu.Lock()
	started := s.entryLocked(subjectID).writeSeq
	s.mu.Unlock()

	wf, err := s.remote.GetWorkflow(ctx, subjectID)

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(subjectID)
	if e.writes > 0 || e.writeSeq != started {
		s.logger.Debug("refresh discarded during write", zap.String("subject_id", subjectID))
		return e.snap
	}
	next := e.snap
	switch {
	case errors.Is(err, repo.ErrNotFound):
		next = Snapshot{SubjectID: subjectID}
	case err != nil:
		if ctx.Err() != nil {
			return e.snap
		}
		next.Err = err
	default:
		next = Snapshot{SubjectID: subjectID, Workflow: wf, Found: true}
	}
	return s.setLocked(e, next)
}

// Advance validates the transition against the cached workflow, applies it locally and sends the
// full steps array. An invalid transition never reaches the remote.
func (s *Syncer) Advance(ctx context.Context, subjectID string, stepID domain.StepID, status domain.StepStatus) (domain.Workflow, error) {
	return s.write(ctx, subjectID, func(wf domain.Workflow) (domain.Workflow, error) {
		return workflow.Advance(wf, stepID, status, s.opts.Now())
	})
}

// SetVisible toggles supplier visibility with the same optimistic protocol as Advance.
func (s *Syncer) SetVisible(ctx context.Context, subjectID string, visible bool) (domain.Workflow, error) {
	return s.write(ctx, subjectID, func(wf domain.Workflow) (domain.Workflow, error) {
		next := wf.Clone()
		next.IsVisible = visible
		return next, nil
	})
}

func (s *Syncer) write(ctx context.Context, subjectID string, change func(domain.Workflow) (domain.Workflow, error)) (domain.Workflow, error) {
	s.mu.Lock()
	e := s.entryLocked(subjectID)
	s.mu.Unlock()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if snap := s.Snapshot(subjectID); !snap.Found {
		if snap = s.Refresh(ctx, subjectID); !snap.Found {
			if snap.Err != nil {
				return domain.Workflow{}, snap.Err
			}
			return domain.Workflow{}, fmt.Errorf("subject %s: %w", subjectID, repo.ErrNotFound)
		}
	}

	s.mu.Lock()
	prev := e.snap
	next, err := change(prev.Workflow)
	if err != nil {
		s.mu.Unlock()
		metrics.SyncWrites.WithLabelValues(metrics.ResultRejected).Inc()
		return domain.Workflow{}, err
	}
	e.writes++
	e.writeSeq++
	optimistic := prev
	optimistic.Workflow = next
	optimistic.Err = nil
	s.setLocked(e, optimistic)
	s.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	ack, err := s.remote.PutWorkflow(wctx, subjectID, next.IsVisible, next.Steps)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.writes--
	if err != nil {
		s.setLocked(e, prev)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(wctx.Err(), context.DeadlineExceeded) {
			metrics.SyncWrites.WithLabelValues(metrics.ResultTimeout).Inc()
			s.logger.Warn("write timed out, rolled back", zap.String("subject_id", subjectID), zap.Duration("timeout", s.opts.WriteTimeout))
			return domain.Workflow{}, fmt.Errorf("%w: %s", ErrSyncTimeout, subjectID)
		}
		metrics.SyncWrites.WithLabelValues(metrics.ResultError).Inc()
		s.logger.Warn("write failed, rolled back", zap.String("subject_id", subjectID), zap.Error(err))
		return domain.Workflow{}, fmt.Errorf("sync write %s: %w", subjectID, err)
	}
	metrics.SyncWrites.WithLabelValues(metrics.ResultOK).Inc()
	s.setLocked(e, Snapshot{SubjectID: subjectID, Workflow: ack, Found: true})
	return ack, nil
}

// WatchApprovals calls fn with the pending approvals immediately and then on every approvals
// interval until ctx is done.
func (s *Syncer) WatchApprovals(ctx context.Context, fn func([]domain.Workflow, error)) error {
	ticker := time.NewTicker(s.opts.ApprovalsInterval)
	defer ticker.Stop()
	for {
		items, err := s.remote.ListPendingApprovals(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fn(items, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
