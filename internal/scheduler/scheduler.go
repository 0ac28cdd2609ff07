package scheduler

import (
	"context"
	"time"

	"tradeloop/internal/logger"
)

// IntervalScheduler runs a task every Interval until its context ends. A
// slow task delays the next run instead of overlapping it.
type IntervalScheduler struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool

	ctx context.Context
}

func NewIntervalScheduler(ctx context.Context, name string, interval time.Duration) *IntervalScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &IntervalScheduler{Name: name, Interval: interval, ctx: ctx}
}

// Start blocks until the context is cancelled.
func (s *IntervalScheduler) Start(task func(ctx context.Context)) {
	if s == nil {
		return
	}
	if task == nil {
		logger.Warnf("IntervalScheduler[%s]: task is nil, exit", s.Name)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("IntervalScheduler[%s]: invalid interval=%s, exit", s.Name, s.Interval)
		return
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	logger.Debugf("IntervalScheduler[%s]: started interval=%s run_immediately=%v", s.Name, s.Interval, s.RunImmediately)
	if s.RunImmediately {
		s.safeRun(task)
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			logger.Debugf("IntervalScheduler[%s]: ctx done, exit", s.Name)
			return
		case <-ticker.C:
			if s.ctx.Err() != nil {
				return
			}
			s.safeRun(task)
		}
	}
}

func (s *IntervalScheduler) safeRun(task func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("IntervalScheduler[%s]: task panic: %v", s.Name, r)
		}
	}()
	task(s.ctx)
}

// Go starts the scheduler on its own goroutine; the returned channel closes
// once the loop has exited.
func (s *IntervalScheduler) Go(task func(ctx context.Context)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(task)
	}()
	return done
}

// AlignedScheduler wakes at Interval boundaries (e.g. each midnight) shifted
// by Offset.
type AlignedScheduler struct {
	Name     string
	Interval time.Duration
	Offset   time.Duration

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedScheduler(ctx context.Context, name string, interval, offset time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{
		Name:     name,
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

func (s *AlignedScheduler) Start(task func(ctx context.Context)) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("AlignedScheduler[%s]: invalid interval=%s, exit", s.Name, s.Interval)
		return
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	for {
		wakeAt, wait := s.nextTimes(s.nowFn())
		logger.Debugf("AlignedScheduler[%s]: next run at %s (in %s)", s.Name, wakeAt.Format(time.RFC3339), wait.Truncate(time.Second))
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		task(s.ctx)
	}
}

func (s *AlignedScheduler) nextTimes(now time.Time) (wakeAt time.Time, wait time.Duration) {
	now = now.UTC()
	wakeAt = now.Add(-s.Offset).Truncate(s.Interval).Add(s.Interval).Add(s.Offset)
	wait = wakeAt.Sub(now)
	return wakeAt, wait
}
