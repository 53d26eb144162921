// Package schedule decides when each source's next fetch may occur. It
// keeps a global min-heap of crawl tasks ordered by eligibility time,
// gates every poll on the domain's robots policy, enforces one in-flight
// task per domain, and applies jittered exponential backoff on
// transient failures until a task blocks.
package schedule

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/placemerge/placemerge/internal/directory"
	"github.com/placemerge/placemerge/internal/metrics"
)

// Verdict is a robots gate answer for one domain.
type Verdict struct {
	Allowed   bool
	MinDelay  time.Duration
	RecheckAt time.Time
}

// RobotsGate answers whether a domain may be crawled right now.
type RobotsGate interface {
	Gate(ctx context.Context, domain string) Verdict
}

// Config controls scheduler behavior.
type Config struct {
	// MaxFailures is the consecutive transient-failure count after
	// which a task blocks. Defaults to 5.
	MaxFailures int
	// BackoffBase and BackoffMax bound the transient retry delays.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type task struct {
	directory.CrawlTask
	heapIndex int // -1 when not queued
}

// Scheduler owns all crawl task state. Safe for concurrent use.
type Scheduler struct {
	mu       sync.Mutex
	tasks    map[string]*task
	eligible taskHeap
	running  map[string]struct{} // domains with an in-flight task
	backoff  *Backoff
	robots   RobotsGate
	clock    directory.Clock
	logger   *zap.Logger
	cfg      Config
}

// New builds a Scheduler.
func New(cfg Config, robots RobotsGate, clock directory.Clock, logger *zap.Logger) *Scheduler {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	return &Scheduler{
		tasks:   make(map[string]*task),
		running: make(map[string]struct{}),
		backoff: NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
		robots:  robots,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
	}
}

// Register adds a source's task, eligible immediately. Registering the
// same source twice is a no-op.
func (s *Scheduler) Register(src directory.SourceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[src.ID]; exists {
		return
	}
	t := &task{
		CrawlTask: directory.CrawlTask{
			Source:         src,
			NextEligibleAt: s.clock.Now(),
			Status:         directory.TaskIdle,
		},
		heapIndex: -1,
	}
	s.tasks[src.ID] = t
	heap.Push(&s.eligible, t)
}

// Poll returns the next runnable task: smallest next_eligible_at across
// all sources whose domain is allowed and not already in flight. The
// second return is false when nothing is eligible; callers idle until
// NextWakeup.
func (s *Scheduler) Poll(ctx context.Context) (directory.CrawlTask, bool) {
	for {
		t, ok := s.nextEligible()
		if !ok {
			return directory.CrawlTask{}, false
		}

		verdict := s.robots.Gate(ctx, t.Source.Domain)
		if !verdict.Allowed {
			metrics.RobotsDenied(t.Source.Domain)
			s.deferTask(t, verdict.RecheckAt)
			continue
		}

		s.mu.Lock()
		t.Status = directory.TaskRunning
		t.MinDelay = verdict.MinDelay
		snapshot := t.CrawlTask
		s.mu.Unlock()
		return snapshot, true
	}
}

// nextEligible pops the smallest eligible task whose domain is free and
// reserves the domain before releasing the lock, so a concurrent Poll
// cannot hand out a second task for the same domain while the robots
// gate runs. Tasks of busy domains are held aside and requeued before
// returning.
func (s *Scheduler) nextEligible() (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var skipped []*task
	defer func() {
		for _, t := range skipped {
			heap.Push(&s.eligible, t)
		}
	}()

	for s.eligible.Len() > 0 {
		top := s.eligible[0]
		if top.NextEligibleAt.After(now) {
			return nil, false
		}
		t := heap.Pop(&s.eligible).(*task)
		if _, busy := s.running[t.Source.Domain]; busy {
			skipped = append(skipped, t)
			continue
		}
		s.running[t.Source.Domain] = struct{}{}
		return t, true
	}
	return nil, false
}

// deferTask releases the domain reserved by nextEligible and requeues a
// robots-denied task to re-check when the policy TTL expires.
func (s *Scheduler) deferTask(t *task, recheckAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, t.Source.Domain)
	if recheckAt.IsZero() {
		recheckAt = s.clock.Now().Add(time.Hour)
	}
	t.Status = directory.TaskIdle
	t.NextEligibleAt = recheckAt
	heap.Push(&s.eligible, t)
}

// Complete records a successful fetch: backoff resets and the task
// becomes eligible again after the larger of the source's own minimum
// interval and the domain's declared crawl delay.
func (s *Scheduler) Complete(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[sourceID]
	if !ok {
		return
	}
	delete(s.running, t.Source.Domain)
	interval := t.Source.MinInterval
	if t.MinDelay > interval {
		interval = t.MinDelay
	}
	t.Attempts = 0
	t.Delay = 0
	t.Status = directory.TaskIdle
	t.NextEligibleAt = s.clock.Now().Add(interval)
	heap.Push(&s.eligible, t)
}

// Fail records a fetch failure. Permanent failures block the task
// immediately; transient ones back off exponentially and block after
// MaxFailures consecutive attempts. Blocked tasks leave the heap until
// ResetBlocked.
func (s *Scheduler) Fail(sourceID string, err error) {
	permanent := directory.IsPermanent(err)

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[sourceID]
	if !ok {
		return
	}
	delete(s.running, t.Source.Domain)

	if permanent {
		t.Status = directory.TaskBlocked
		metrics.TaskBlocked(sourceID)
		s.logger.Warn("task blocked on permanent failure",
			zap.String("source", sourceID),
			zap.Error(err),
		)
		return
	}

	t.Attempts++
	if t.Attempts >= s.cfg.MaxFailures {
		t.Status = directory.TaskBlocked
		metrics.TaskBlocked(sourceID)
		s.logger.Warn("task blocked after consecutive transient failures",
			zap.String("source", sourceID),
			zap.Int("attempts", t.Attempts),
			zap.Error(err),
		)
		return
	}

	t.Delay = s.backoff.Delay(t.Attempts)
	t.Status = directory.TaskIdle
	t.NextEligibleAt = s.clock.Now().Add(t.Delay)
	metrics.ObserveBackoff(sourceID, t.Delay)
	s.logger.Info("task backing off",
		zap.String("source", sourceID),
		zap.Int("attempt", t.Attempts),
		zap.Duration("delay", t.Delay),
		zap.Error(err),
	)
	heap.Push(&s.eligible, t)
}

// ResetBlocked returns all blocked tasks to the pool, eligible
// immediately. Run periodically or by operator action.
func (s *Scheduler) ResetBlocked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status != directory.TaskBlocked {
			continue
		}
		t.Status = directory.TaskIdle
		t.Attempts = 0
		t.Delay = 0
		t.NextEligibleAt = s.clock.Now()
		heap.Push(&s.eligible, t)
		n++
	}
	return n
}

// NextWakeup returns the earliest eligibility time across queued tasks.
// The second return is false when the heap is empty.
func (s *Scheduler) NextWakeup() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eligible.Len() == 0 {
		return time.Time{}, false
	}
	return s.eligible[0].NextEligibleAt, true
}

// Snapshot returns a copy of all task states for the status API.
func (s *Scheduler) Snapshot() []directory.CrawlTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]directory.CrawlTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.CrawlTask)
	}
	return out
}

// taskHeap orders tasks by eligibility time, then source ID so repeated
// runs pop in the same order.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].NextEligibleAt.Equal(h[j].NextEligibleAt) {
		return h[i].Source.ID < h[j].Source.ID
	}
	return h[i].NextEligibleAt.Before(h[j].NextEligibleAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}
