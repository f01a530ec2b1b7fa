// Package sched is the single main-context loop. Every tick callback and every posted
// function runs on the loop goroutine, one at a time; blocking work goes through
// RunAsync and hands its result back with Post.
package sched

import (
	"context"
	"errors"
	"log"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is one tick at 20 ticks per second.
const DefaultInterval = 50 * time.Millisecond

var ErrStopped = errors.New("scheduler stopped")

type Config struct {
	Interval time.Duration
	Logger   *log.Logger
	// Called on the goroutine that recovered the panic.
	OnPanic func(v any)
	// Capacity of the posted-function queue.
	QueueSize int
}

type Scheduler struct {
	interval time.Duration
	logger   *log.Logger
	onPanic  func(any)

	posted chan func()
	done   chan struct{}

	tick    atomic.Uint64
	running atomic.Bool
	panics  atomic.Uint64

	// Held by inline calls and by Run while it flips running.
	inline sync.Mutex

	mu     sync.Mutex
	tasks  map[uint64]*Task
	nextID uint64

	asyncCtx    context.Context
	asyncCancel context.CancelFunc
	asyncWG     sync.WaitGroup
}

type Task struct {
	s      *Scheduler
	id     uint64
	next   uint64
	period uint64
	fn     func()

	cancelled bool
}

func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[sched] ", log.LstdFlags|log.Lmicroseconds)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		interval:    cfg.Interval,
		logger:      cfg.Logger,
		onPanic:     cfg.OnPanic,
		posted:      make(chan func(), cfg.QueueSize),
		done:        make(chan struct{}),
		tasks:       map[uint64]*Task{},
		asyncCtx:    ctx,
		asyncCancel: cancel,
	}
}

func (s *Scheduler) Interval() time.Duration { return s.interval }

// Tick is the number of ticks processed so far.
func (s *Scheduler) Tick() uint64 { return s.tick.Load() }

func (s *Scheduler) Panics() uint64 { return s.panics.Load() }

func (s *Scheduler) Running() bool { return s.running.Load() }

// Run drives the loop until ctx is done. It must be called at most once.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.inline.Lock()
	s.running.Store(true)
	s.inline.Unlock()
	defer func() {
		s.inline.Lock()
		s.running.Store(false)
		close(s.done)
		s.inline.Unlock()
		s.asyncCancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-s.posted:
			s.safe(0, fn)
		case <-ticker.C:
			s.step()
		}
	}
}

// Step processes one tick and any posted functions without a running loop. It is
// meant for tools and tests that drive time by hand.
func (s *Scheduler) Step() {
	s.drain()
	s.step()
	s.drain()
}

func (s *Scheduler) drain() {
	for {
		select {
		case fn := <-s.posted:
			s.safe(0, fn)
		default:
			return
		}
	}
}

func (s *Scheduler) step() {
	now := s.tick.Add(1)

	s.mu.Lock()
	due := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.next <= now {
			due = append(due, t)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })

	for _, t := range due {
		s.mu.Lock()
		if t.cancelled {
			s.mu.Unlock()
			continue
		}
		if t.period == 0 {
			t.cancelled = true
			delete(s.tasks, t.id)
		} else {
			t.next = now + t.period
		}
		s.mu.Unlock()
		s.safe(t.id, t.fn)
	}
}

func (s *Scheduler) safe(id uint64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.recovered(id, r)
		}
	}()
	fn()
}

func (s *Scheduler) recovered(id uint64, r any) {
	s.panics.Add(1)
	if id != 0 {
		s.logger.Printf("task %d panic: %v\n%s", id, r, debug.Stack())
	} else {
		s.logger.Printf("callback panic: %v\n%s", r, debug.Stack())
	}
	if s.onPanic != nil {
		s.onPanic(r)
	}
}

func (s *Scheduler) schedule(delay, period int64, fn func()) *Task {
	if delay < 1 {
		delay = 1
	}
	if period < 0 {
		period = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &Task{
		s:      s,
		id:     s.nextID,
		next:   s.tick.Load() + uint64(delay),
		period: uint64(period),
		fn:     fn,
	}
	s.tasks[t.id] = t
	return t
}

// RunPeriodic runs fn on the main context every period ticks, starting after delay.
func (s *Scheduler) RunPeriodic(delay, period int64, fn func()) *Task {
	if period < 1 {
		period = 1
	}
	return s.schedule(delay, period, fn)
}

func (s *Scheduler) RunOnce(delay int64, fn func()) *Task {
	return s.schedule(delay, 0, fn)
}

// RunAsync runs fn on its own goroutine. The context is cancelled when the loop exits.
func (s *Scheduler) RunAsync(fn func(ctx context.Context)) {
	s.asyncWG.Add(1)
	go func() {
		defer s.asyncWG.Done()
		defer func() {
			if r := recover(); r != nil {
				s.recovered(0, r)
			}
		}()
		fn(s.asyncCtx)
	}()
}

// WaitAsync blocks until every RunAsync goroutine has returned.
func (s *Scheduler) WaitAsync() {
	s.asyncWG.Wait()
}

// callInline runs fn when no loop owns the main context. It reports false once Run
// has taken over.
func (s *Scheduler) callInline(fn func() error) (bool, error) {
	s.inline.Lock()
	defer s.inline.Unlock()
	if s.running.Load() {
		return false, nil
	}
	select {
	case <-s.done:
		return true, ErrStopped
	default:
	}
	var err error
	s.safe(0, func() { err = fn() })
	return true, err
}

// Post queues fn for the main context. It reports false when the loop has exited.
func (s *Scheduler) Post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.posted <- fn:
		return true
	case <-s.done:
		return false
	}
}

// Call runs fn on the main context and waits for its result. Before Run starts, fn
// runs on the caller's goroutine and Run waits for it to return.
func (s *Scheduler) Call(ctx context.Context, fn func() error) error {
	if ok, err := s.callInline(fn); ok {
		return err
	}
	res := make(chan error, 1)
	ok := s.Post(func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				res <- errors.New("callback panicked")
				panic(r)
			}
			res <- err
		}()
		err = fn()
	})
	if !ok {
		return ErrStopped
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.s.mu.Lock()
	t.cancelled = true
	delete(t.s.tasks, t.id)
	t.s.mu.Unlock()
}

func (t *Task) ID() uint64 { return t.id }

// CancelAll drops every scheduled task. Running async work is not interrupted.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	for id, t := range s.tasks {
		t.cancelled = true
		delete(s.tasks, id)
	}
	s.mu.Unlock()
}

// Pending is the number of scheduled tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
