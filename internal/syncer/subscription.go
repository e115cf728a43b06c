package syncer

import (
	"context"
	"sync"
	"time"
)

// Subscription delivers snapshots of one subject. C is buffered with room for one value; a slow
// reader only ever sees the latest snapshot.
type Subscription struct {
	C <-chan Snapshot

	ch        chan Snapshot
	subjectID string
	syncer    *Syncer
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

// Subscribe reads the subject immediately and then every workflow interval until Close or ctx is
// done. Optimistic writes and rollbacks are delivered as well.
func (s *Syncer) Subscribe(ctx context.Context, subjectID string) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Snapshot, 1)
	sub := &Subscription{
		C:         ch,
		ch:        ch,
		subjectID: subjectID,
		syncer:    s,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.entryLocked(subjectID).subs[sub] = struct{}{}
	s.mu.Unlock()
	go sub.poll(ctx, s.opts.WorkflowInterval)
	return sub
}

func (sub *Subscription) poll(ctx context.Context, interval time.Duration) {
	defer close(sub.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sub.syncer.Refresh(ctx, sub.subjectID)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// deliver replaces any unread snapshot. Called with the syncer lock held.
func (sub *Subscription) deliver(snap Snapshot) {
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- snap:
	default:
	}
}

// Close stops polling and closes C.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.cancel()
		<-sub.done
		s := sub.syncer
		s.mu.Lock()
		delete(s.entryLocked(sub.subjectID).subs, sub)
		s.mu.Unlock()
		close(sub.ch)
	})
}
