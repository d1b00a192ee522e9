// Package scheduler debounces document writes. Live edits are broadcast as
// they arrive; the store only sees the latest state once a document has been
// quiet for the configured delay.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"ssreditor/api/internal/store"
)

// DefaultDelay is the quiet period before a document is written.
const DefaultDelay = 2 * time.Second

// Persister writes a coalesced update.
type Persister interface {
	ApplyUpdate(ctx context.Context, docID string, patch store.DocumentPatch, updated time.Time) (store.Document, error)
}

type pendingWrite struct {
	patch store.DocumentPatch
	timer Timer
	gen   uint64
}

type Scheduler struct {
	persister Persister
	clock     Clock
	delay     time.Duration

	mu      sync.Mutex
	gen     uint64
	pending map[string]*pendingWrite
}

type Option func(*Scheduler)

func WithClock(clock Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func New(p Persister, delay time.Duration, opts ...Option) *Scheduler {
	if delay <= 0 {
		delay = DefaultDelay
	}
	s := &Scheduler{
		persister: p,
		clock:     realClock{},
		delay:     delay,
		pending:   make(map[string]*pendingWrite),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule merges patch into the pending write for docID and restarts its
// timer. Fields set by a later patch replace earlier ones; fields it leaves
// nil keep whatever is already pending.
func (s *Scheduler) Schedule(docID string, patch store.DocumentPatch) {
	if docID == "" || patch.Empty() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[docID]
	if !ok {
		entry = &pendingWrite{}
		s.pending[docID] = entry
	} else if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.patch = merge(entry.patch, patch)

	s.gen++
	gen := s.gen
	entry.gen = gen
	entry.timer = s.clock.AfterFunc(s.delay, func() { s.fire(docID, gen) })
}

// fire ignores a timer that was superseded after it started running.
func (s *Scheduler) fire(docID string, gen uint64) {
	s.mu.Lock()
	entry, ok := s.pending[docID]
	if !ok || entry.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, docID)
	s.mu.Unlock()

	if err := s.write(context.Background(), docID, entry.patch); err != nil {
		glog.Errorf("scheduler: %v", err)
	}
}

// Flush writes every pending update now. It is called on shutdown.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	writes := s.pending
	s.pending = make(map[string]*pendingWrite)
	for _, entry := range writes {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	s.mu.Unlock()

	var errs []error
	for docID, entry := range writes {
		if err := s.write(ctx, docID, entry.patch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending lists the documents with an unwritten update.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.pending))
	for docID := range s.pending {
		ids = append(ids, docID)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) write(ctx context.Context, docID string, patch store.DocumentPatch) error {
	if _, err := s.persister.ApplyUpdate(ctx, docID, patch, s.clock.Now()); err != nil {
		return fmt.Errorf("persist %s: %w", docID, err)
	}
	if glog.V(2) {
		glog.Infof("scheduler: persisted %s", docID)
	}
	return nil
}

func merge(base, next store.DocumentPatch) store.DocumentPatch {
	if next.Title != nil {
		base.Title = next.Title
	}
	if next.Content != nil {
		base.Content = next.Content
	}
	if next.Comments != nil {
		base.Comments = next.Comments
	}
	return base
}
