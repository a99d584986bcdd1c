// Package scheduler drives deadline expiry for every verification record from
// a single deadline-ordered queue, plus a low-frequency cron sweep that catches
// anything the queue missed (clock jumps, suspended processes, lost wakeups).
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harrison/taskproof/internal/clock"
	"github.com/harrison/taskproof/internal/logger"
	"github.com/harrison/taskproof/internal/metrics"
)

// DefaultMaxSleep caps how long Run sleeps so wall-clock jumps are noticed.
const DefaultMaxSleep = time.Minute

// Handler is called when a task's deadline is due. It is expected to
// reschedule the task itself if another deadline follows.
type Handler func(ctx context.Context, taskID string) error

type item struct {
	taskID string
	at     time.Time
	index  int
}

type deadlineHeap []*item

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].taskID < h[j].taskID
	}
	return h[i].at.Before(h[j].at)
}
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *deadlineHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Scheduler holds at most one wake-up time per task.
type Scheduler struct {
	mu       sync.Mutex
	queue    deadlineHeap
	index    map[string]*item
	wake     chan struct{}
	clock    clock.Clock
	maxSleep time.Duration
	log      logger.Logger
	cron     *cron.Cron
}

// New creates an empty scheduler.
func New(clk clock.Clock, log logger.Logger) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	return &Scheduler{
		index:    make(map[string]*item),
		wake:     make(chan struct{}, 1),
		clock:    clk,
		maxSleep: DefaultMaxSleep,
		log:      logger.OrNop(log),
	}
}

// SetMaxSleep overrides DefaultMaxSleep.
func (s *Scheduler) SetMaxSleep(d time.Duration) {
	if d > 0 {
		s.mu.Lock()
		s.maxSleep = d
		s.mu.Unlock()
	}
}

// Schedule sets (or replaces) the wake-up time for taskID.
func (s *Scheduler) Schedule(taskID string, at time.Time) {
	s.mu.Lock()
	if it, ok := s.index[taskID]; ok {
		it.at = at
		heap.Fix(&s.queue, it.index)
	} else {
		it := &item{taskID: taskID, at: at}
		heap.Push(&s.queue, it)
		s.index[taskID] = it
	}
	metrics.SchedulerQueueDepth.Set(float64(len(s.queue)))
	s.mu.Unlock()
	s.notify()
}

// Unschedule removes taskID. Unknown ids are ignored.
func (s *Scheduler) Unschedule(taskID string) {
	s.mu.Lock()
	if it, ok := s.index[taskID]; ok {
		heap.Remove(&s.queue, it.index)
		delete(s.index, taskID)
	}
	metrics.SchedulerQueueDepth.Set(float64(len(s.queue)))
	s.mu.Unlock()
	s.notify()
}

// When returns the scheduled wake-up for taskID.
func (s *Scheduler) When(taskID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.index[taskID]
	if !ok {
		return time.Time{}, false
	}
	return it.at, true
}

// Len returns the number of armed deadlines.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// popDue removes and returns every task due at or before now.
func (s *Scheduler) popDue(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for len(s.queue) > 0 && !s.queue[0].at.After(now) {
		it := heap.Pop(&s.queue).(*item)
		delete(s.index, it.taskID)
		due = append(due, it.taskID)
	}
	metrics.SchedulerQueueDepth.Set(float64(len(s.queue)))
	return due
}

// RunDue fires the handler for every due task and returns how many fired.
// Handler errors are logged; the task is not retried until it reschedules
// itself or the fallback sweep picks it up.
func (s *Scheduler) RunDue(ctx context.Context, handler Handler) int {
	due := s.popDue(s.clock.Now())
	for _, id := range due {
		if err := handler(ctx, id); err != nil {
			s.log.Warnf("deadline handler for task %s: %v", id, err)
		}
	}
	return len(due)
}

// sleepFor is the time until the next deadline, capped at maxSleep.
func (s *Scheduler) sleepFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.maxSleep
	if len(s.queue) > 0 {
		if until := s.queue[0].at.Sub(s.clock.Now()); until < d {
			d = until
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Run blocks, firing handler as deadlines fall due, until ctx is done.
func (s *Scheduler) Run(ctx context.Context, handler Handler) error {
	timer := time.NewTimer(s.sleepFor())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
			s.RunDue(ctx, handler)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.sleepFor())
	}
}

// StartFallback runs sweep every interval on a cron schedule, independent of
// the queue. Stop ends it.
func (s *Scheduler) StartFallback(ctx context.Context, interval time.Duration, sweep func(ctx context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("fallback interval must be positive, got %v", interval)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if ctx.Err() != nil {
			return
		}
		sweep(ctx)
	}); err != nil {
		return fmt.Errorf("schedule fallback sweep: %w", err)
	}

	s.mu.Lock()
	if s.cron != nil {
		s.cron.Stop()
	}
	s.cron = c
	s.mu.Unlock()

	c.Start()
	s.log.Debugf("fallback sweep every %s", interval)
	return nil
}

// Stop halts the fallback sweep and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
