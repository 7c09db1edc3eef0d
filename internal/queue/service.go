package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lexgrid/lexgrid/internal/config"
	"github.com/lexgrid/lexgrid/internal/events"
	"github.com/lexgrid/lexgrid/internal/metrics"
	"github.com/lexgrid/lexgrid/internal/quota"
	"github.com/lexgrid/lexgrid/internal/ratelimit"
	"github.com/lexgrid/lexgrid/internal/rescache"
	"github.com/lexgrid/lexgrid/internal/research"
)

// Admitter is the quota lifecycle the worker pool drives per job.
type Admitter interface {
	Begin(ctx context.Context, subjectID uuid.UUID) (*quota.BeginResult, error)
	Commit(ctx context.Context, txID uuid.UUID) (*quota.ResolveResult, error)
	Rollback(ctx context.Context, txID uuid.UUID) (*quota.ResolveResult, error)
}

// Service is the priority job queue and its worker pool. Workers pull jobs in
// strict priority order (FIFO within a tier); a token bucket caps the rate of
// job starts independently of worker availability. In-flight jobs are never
// preempted.
type Service struct {
	cfg       config.QueueConfig
	limiter   *ratelimit.Limiter
	cache     *rescache.Cache
	admitter  Admitter
	executor  research.Executor
	publisher *events.Publisher

	starts *rate.Limiter

	mu        sync.Mutex
	cond      *sync.Cond
	ready     jobHeap
	delayed   []*Job
	jobs      map[uuid.UUID]*Job
	completed []*Job
	failed    []*Job
	active    int
	seq       uint64
	closed    bool

	wg  sync.WaitGroup
	now func() time.Time
}

// NewService creates the queue service.
func NewService(cfg config.QueueConfig, limiter *ratelimit.Limiter, cache *rescache.Cache, admitter Admitter, executor research.Executor, publisher *events.Publisher) *Service {
	s := &Service{
		cfg:       cfg,
		limiter:   limiter,
		cache:     cache,
		admitter:  admitter,
		executor:  executor,
		publisher: publisher,
		starts:    rate.NewLimiter(rate.Limit(cfg.StartsPerSec), 1),
		jobs:      make(map[uuid.UUID]*Job),
		now:       time.Now,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool and the retention janitor. Cancelling ctx
// stops both; Stop waits for the workers to drain.
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go func(id int) {
			defer s.wg.Done()
			s.worker(ctx, id)
		}(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.janitor(ctx)
	}()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	slog.Info("queue: worker pool started",
		"concurrency", s.cfg.Concurrency,
		"starts_per_sec", s.cfg.StartsPerSec,
		"max_attempts", s.cfg.MaxAttempts,
	)
}

// Stop blocks until all workers have exited. Call after cancelling the Start
// context.
func (s *Service) Stop() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

// Submit enqueues a query. Priority is derived from the mode so cheap modes
// are never starved behind expensive ones.
func (s *Service) Submit(ctx context.Context, query, mode, jurisdiction string, subjectID uuid.UUID) (uuid.UUID, error) {
	profile, ok := research.ProfileFor(mode)
	if !ok {
		return uuid.Nil, fmt.Errorf("unknown mode %q", mode)
	}

	job := &Job{
		ID:              uuid.New(),
		SubjectID:       subjectID,
		Query:           query,
		Mode:            mode,
		Jurisdiction:    jurisdiction,
		Priority:        profile.Priority,
		EstimatedTokens: profile.EstimatedTokens,
		State:           JobQueued,
		SubmittedAt:     s.now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return uuid.Nil, errors.New("queue is shut down")
	}
	s.seq++
	job.seq = s.seq
	heap.Push(&s.ready, job)
	s.jobs[job.ID] = job
	s.updateGauges()
	s.mu.Unlock()

	metrics.JobsSubmittedTotal.Inc()
	s.publishJobEvent(ctx, job, JobQueued)
	s.cond.Signal()

	return job.ID, nil
}

// Status returns a point-in-time snapshot of a job.
func (s *Service) Status(jobID uuid.UUID) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.status(), nil
}

// Metrics returns queue counters.
func (s *Service) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metrics{
		Waiting:           s.ready.Len() + len(s.delayed),
		Active:            s.active,
		CompletedRecently: len(s.completed),
		FailedRecently:    len(s.failed),
	}
}

// Healthy reports whether the pool is accepting work.
func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Service) worker(ctx context.Context, id int) {
	for {
		job := s.next()
		if job == nil {
			return
		}
		if err := s.starts.Wait(ctx); err != nil {
			// Shutting down mid-claim: put the job back so a restart can
			// pick it up.
			s.mu.Lock()
			job.State = JobQueued
			s.active--
			heap.Push(&s.ready, job)
			s.updateGauges()
			s.mu.Unlock()
			return
		}
		s.run(ctx, job)
	}
}

// next blocks until a job is ready or the pool is closed.
func (s *Service) next() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		s.promoteDue()
		if s.ready.Len() > 0 {
			job := heap.Pop(&s.ready).(*Job)
			job.State = JobActive
			if job.StartedAt.IsZero() {
				job.StartedAt = s.now()
			}
			job.Progress = 10
			s.active++
			s.updateGauges()
			return job
		}
		if s.closed {
			return nil
		}
		s.cond.Wait()
	}
}

// promoteDue moves delayed retries whose backoff has elapsed into the ready
// heap. Caller holds the lock.
func (s *Service) promoteDue() {
	if len(s.delayed) == 0 {
		return
	}
	now := s.now()
	remaining := s.delayed[:0]
	for _, job := range s.delayed {
		if job.NextRunAt.After(now) {
			remaining = append(remaining, job)
			continue
		}
		heap.Push(&s.ready, job)
	}
	s.delayed = remaining
}

// run executes one activation of the job pipeline: rate check, cache lookup,
// quota begin, executor call, then resolution.
func (s *Service) run(ctx context.Context, job *Job) {
	defer func() {
		s.mu.Lock()
		s.active--
		s.updateGauges()
		s.mu.Unlock()
	}()

	// (a) rate limit: a violation fails fast without consuming an attempt.
	cost := ratelimit.Cost{
		InferenceTokens:   job.EstimatedTokens,
		InferenceRequests: 1,
		SearchRequests:    1,
	}
	if err := s.limiter.Check(ctx, job.SubjectID, cost); err != nil {
		var le *ratelimit.LimitError
		if errors.As(err, &le) {
			retryAfter := int(time.Until(le.ResetAt).Seconds()) + 1
			s.releaseReservation(ctx, job)
			s.fail(ctx, job, &Failure{
				Code:       CodeRateLimitExceeded,
				Message:    le.Error(),
				RetryAfter: retryAfter,
				LimitType:  le.Resource,
			})
			return
		}
	}

	// (b) response cache: a hit completes the job without touching quota.
	if entry, ok := s.cache.Get(ctx, job.Query, job.Mode, job.Jurisdiction); ok {
		s.releaseReservation(ctx, job)
		s.complete(ctx, job, entry.Result, true)
		return
	}

	// (c) quota: reserve once, then reuse the reservation across retries.
	if job.txID == uuid.Nil {
		res, err := s.admitter.Begin(ctx, job.SubjectID)
		if err != nil {
			slog.Error("queue: quota check failed", "error", err, "job_id", job.ID)
			s.fail(ctx, job, &Failure{Code: CodeError, Message: "quota check unavailable"})
			return
		}
		if !res.Allowed {
			s.fail(ctx, job, &Failure{
				Code:    res.Reason,
				Message: fmt.Sprintf("admission denied: %s", res.Reason),
			})
			return
		}
		s.mu.Lock()
		job.txID = res.Transaction.ID
		job.Progress = 30
		s.mu.Unlock()
	}

	// (d) executor.
	s.mu.Lock()
	job.Attempts++
	attempts := job.Attempts
	job.Progress = 60
	s.mu.Unlock()

	result, err := s.executor.Execute(ctx, &research.Request{
		Query:              job.Query,
		Mode:               job.Mode,
		Jurisdiction:       job.Jurisdiction,
		EstimatedTokenCost: job.EstimatedTokens,
	})
	if err != nil {
		if attempts < s.cfg.MaxAttempts {
			s.scheduleRetry(ctx, job, attempts, err)
			return
		}
		// (f') exhausted: refund the reservation, then fail terminally.
		if job.txID != uuid.Nil {
			if _, rbErr := s.admitter.Rollback(ctx, job.txID); rbErr != nil {
				slog.Warn("queue: rolling back usage", "error", rbErr, "job_id", job.ID)
			}
		}
		s.fail(ctx, job, &Failure{Code: CodeExecutorFailed, Message: err.Error()})
		return
	}

	// (e) success: settle usage, populate the cache, complete.
	if _, err := s.admitter.Commit(ctx, job.txID); err != nil {
		slog.Warn("queue: committing usage", "error", err, "job_id", job.ID)
	}
	s.cache.Set(ctx, job.Query, job.Mode, job.Jurisdiction, result)
	s.complete(ctx, job, result, false)
}

// scheduleRetry parks the job with exponential backoff. The worker is freed
// during the wait.
func (s *Service) scheduleRetry(ctx context.Context, job *Job, attempts int, cause error) {
	delay := s.cfg.BackoffBase * time.Duration(1<<uint(attempts-1))

	s.mu.Lock()
	job.State = JobRetrying
	job.NextRunAt = s.now().Add(delay)
	s.delayed = append(s.delayed, job)
	s.updateGauges()
	s.mu.Unlock()

	slog.Warn("queue: executor failed, retrying",
		"job_id", job.ID, "attempt", attempts, "delay", delay, "error", cause)
	s.publishJobEvent(ctx, job, JobRetrying)

	time.AfterFunc(delay+time.Millisecond, s.cond.Broadcast)
}

// releaseReservation rolls back a pending reservation left over from a prior
// attempt when the job resolves without consuming quota.
func (s *Service) releaseReservation(ctx context.Context, job *Job) {
	if job.txID == uuid.Nil {
		return
	}
	if _, err := s.admitter.Rollback(ctx, job.txID); err != nil {
		slog.Warn("queue: releasing reservation", "error", err, "job_id", job.ID)
	}
}

func (s *Service) complete(ctx context.Context, job *Job, result *research.Result, cached bool) {
	s.mu.Lock()
	job.State = JobCompleted
	job.Result = result
	job.Cached = cached
	job.Progress = 100
	job.FinishedAt = s.now()
	s.completed = append(s.completed, job)
	s.mu.Unlock()

	metrics.JobsFinishedTotal.WithLabelValues(JobCompleted).Inc()
	s.publishJobEvent(ctx, job, JobCompleted)
}

func (s *Service) fail(ctx context.Context, job *Job, failure *Failure) {
	s.mu.Lock()
	job.State = JobFailed
	job.Failure = failure
	job.FinishedAt = s.now()
	s.failed = append(s.failed, job)
	s.mu.Unlock()

	metrics.JobsFinishedTotal.WithLabelValues(JobFailed).Inc()
	slog.Warn("queue: job failed",
		"job_id", job.ID, "code", failure.Code, "attempts", job.Attempts)
	s.publishJobEvent(ctx, job, JobFailed)
}

func (s *Service) janitor(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge()
		}
	}
}

// purge drops terminal jobs past their retention count or age. Completed
// jobs are kept briefly; failed jobs longer, for postmortems.
func (s *Service) purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.completed = s.purgeList(s.completed, s.cfg.CompletedKeep, s.cfg.CompletedTTL, now)
	s.failed = s.purgeList(s.failed, s.cfg.FailedKeep, s.cfg.FailedTTL, now)
}

// purgeList trims a terminal list to the newest keep entries within ttl,
// removing purged jobs from the lookup table. Caller holds the lock.
func (s *Service) purgeList(list []*Job, keep int, ttl time.Duration, now time.Time) []*Job {
	if over := len(list) - keep; over > 0 {
		for _, job := range list[:over] {
			delete(s.jobs, job.ID)
		}
		list = append([]*Job(nil), list[over:]...)
	}
	kept := list[:0]
	for _, job := range list {
		if now.Sub(job.FinishedAt) > ttl {
			delete(s.jobs, job.ID)
			continue
		}
		kept = append(kept, job)
	}
	return kept
}

// updateGauges refreshes the queue depth gauges. Caller holds the lock.
func (s *Service) updateGauges() {
	metrics.QueueWaiting.Set(float64(s.ready.Len() + len(s.delayed)))
	metrics.QueueActive.Set(float64(s.active))
}

func (s *Service) publishJobEvent(ctx context.Context, job *Job, state string) {
	event := events.JobEvent{
		JobID:     job.ID,
		SubjectID: job.SubjectID,
		Mode:      job.Mode,
		State:     state,
		Attempts:  job.Attempts,
		Cached:    job.Cached,
		Timestamp: s.now().UTC(),
	}
	if job.Failure != nil {
		event.ErrorCode = job.Failure.Code
	}
	if err := s.publisher.PublishJobEvent(ctx, event); err != nil {
		slog.Warn("queue: publishing job event", "error", err, "job_id", job.ID)
	}
}
