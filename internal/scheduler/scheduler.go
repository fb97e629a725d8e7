// Package scheduler runs the relayer's independent polling loops. Each loop
// ticks on its own interval, never overlaps itself (a tick that fires while
// the previous one is still running is skipped, not queued) and lets an
// in-flight tick finish on shutdown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juno-intents/bridge-relayer/internal/logging"
)

var ErrInvalidConfig = errors.New("scheduler: invalid config")

type Task struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one tick. Zero means Interval.
	Timeout time.Duration
	// Immediate runs the first tick at start instead of after one Interval.
	Immediate bool
	Run       func(ctx context.Context) error
}

type stoppingKey struct{}

// ShuttingDown reports whether the loop that started ctx's tick has been
// asked to stop. Tick contexts are not cancelled by shutdown, so long ticks
// use this to avoid starting new work.
func ShuttingDown(ctx context.Context) bool {
	ch, ok := ctx.Value(stoppingKey{}).(<-chan struct{})
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Loop drives one Task.
type Loop struct {
	task Task
	log  *slog.Logger

	busy     atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
	inflight sync.WaitGroup
}

func NewLoop(task Task, log *slog.Logger) (*Loop, error) {
	task.Name = strings.TrimSpace(task.Name)
	if task.Name == "" {
		return nil, fmt.Errorf("%w: missing task name", ErrInvalidConfig)
	}
	if task.Interval <= 0 {
		return nil, fmt.Errorf("%w: task %s: interval must be > 0", ErrInvalidConfig, task.Name)
	}
	if task.Timeout < 0 {
		return nil, fmt.Errorf("%w: task %s: timeout must be >= 0", ErrInvalidConfig, task.Name)
	}
	if task.Timeout == 0 {
		task.Timeout = task.Interval
	}
	if task.Run == nil {
		return nil, fmt.Errorf("%w: task %s: nil run func", ErrInvalidConfig, task.Name)
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Loop{task: task, log: log.With("task", task.Name)}, nil
}

func (l *Loop) Name() string { return l.task.Name }

// Runs is the number of ticks started.
func (l *Loop) Runs() uint64 { return l.runs.Load() }

// Skipped is the number of ticks dropped because the previous one was busy.
func (l *Loop) Skipped() uint64 { return l.skipped.Load() }

// Run ticks until ctx is done, then waits for the in-flight tick.
func (l *Loop) Run(ctx context.Context) {
	t := time.NewTicker(l.task.Interval)
	defer t.Stop()

	if l.task.Immediate {
		l.fire(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			l.inflight.Wait()
			l.log.Info("scheduler.loop.stopped", "runs", l.Runs(), "skipped", l.Skipped())
			return
		case <-t.C:
			l.fire(ctx)
		}
	}
}

func (l *Loop) fire(parent context.Context) {
	if !l.busy.CompareAndSwap(false, true) {
		l.skipped.Add(1)
		Ticks.WithLabelValues(l.task.Name, "skipped").Inc()
		l.log.Debug("scheduler.tick.skipped")
		return
	}
	l.runs.Add(1)
	l.inflight.Add(1)

	var stopping <-chan struct{} = parent.Done()
	ctx := context.WithValue(context.WithoutCancel(parent), stoppingKey{}, stopping)
	ctx, cancel := context.WithTimeout(ctx, l.task.Timeout)

	go func() {
		defer l.inflight.Done()
		defer l.busy.Store(false)
		defer cancel()

		start := time.Now()
		err := l.task.Run(ctx)
		TickSeconds.WithLabelValues(l.task.Name).Observe(time.Since(start).Seconds())
		if err != nil {
			Ticks.WithLabelValues(l.task.Name, "error").Inc()
			l.log.Error("scheduler.tick", "duration", time.Since(start).String(), "error", err)
			return
		}
		Ticks.WithLabelValues(l.task.Name, "ok").Inc()
	}()
}

// Handle stops a loop started with Start.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs the loop in the background.
func (l *Loop) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		l.Run(ctx)
	}()
	return h
}

// Stop cancels the loop and blocks until its in-flight tick has finished.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Scheduler starts and stops a fixed set of loops together.
type Scheduler struct {
	loops []*Loop
	log   *slog.Logger
}

func New(log *slog.Logger, tasks ...Task) (*Scheduler, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks", ErrInvalidConfig)
	}
	if log == nil {
		log = logging.Discard()
	}
	seen := make(map[string]struct{}, len(tasks))
	loops := make([]*Loop, 0, len(tasks))
	for _, task := range tasks {
		l, err := NewLoop(task, log)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[l.Name()]; ok {
			return nil, fmt.Errorf("%w: duplicate task %s", ErrInvalidConfig, l.Name())
		}
		seen[l.Name()] = struct{}{}
		loops = append(loops, l)
	}
	return &Scheduler{loops: loops, log: log}, nil
}

func (s *Scheduler) Loops() []*Loop { return append([]*Loop(nil), s.loops...) }

// Run blocks until ctx is done and every loop has drained.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, l := range s.loops {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			l.Run(ctx)
		}(l)
		s.log.Info("scheduler.loop.started", "task", l.Name(), "interval", l.task.Interval.String(), "timeout", l.task.Timeout.String())
	}
	<-ctx.Done()
	s.log.Info("scheduler.draining", "reason", context.Cause(ctx).Error())
	wg.Wait()
	s.log.Info("scheduler.stopped")
}
