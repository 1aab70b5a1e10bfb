// Package retryer implements the exponential backoff Retry Scheduler: it
// arms a delayed re-trigger for a FAILED sync job, coalesces concurrent
// re-arms for the same document, and re-arms everything still FAILED at
// process boot.
package retryer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/simpleflo/ragengine/internal/coordination"
	"github.com/simpleflo/ragengine/internal/engine"
	"github.com/simpleflo/ragengine/internal/fsm"
	"github.com/simpleflo/ragengine/internal/observability"
)

const (
	defaultBase        = 30 * time.Second
	defaultCap         = 30 * time.Minute
	defaultMaxRetries  = 5
	defaultScanInterval = 60 * time.Second
	leasePrefix        = "retryer:"
)

// Clock is the monotonic time source the scheduler measures delays against.
// Tests inject a fake implementation to assert backoff math without
// sleeping.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the minimal handle Clock.AfterFunc returns.
type Timer interface {
	Stop() bool
}

// realClock wraps the standard library.
type realClock struct{}

// NewRealClock returns the production Clock backed by time.AfterFunc.
func NewRealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Backoff computes delay = base * 2^retries, capped at defaultCap. retries
// is the number of attempts already made (0-indexed), so the first retry
// fires after exactly base.
func Backoff(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	d := defaultBase
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= defaultCap {
			return defaultCap
		}
	}
	if d > defaultCap {
		d = defaultCap
	}
	return d
}

// Handler is invoked when an armed timer fires, with the doc-id it was
// armed for, after fire has already moved the job through fsm.EventRetry
// (FAILED → RETRYING). It resumes the pipeline. It is not invoked when
// retries are exhausted: Arm applies fsm.EventRetriesExceeded itself.
type Handler func(ctx context.Context, docID string)

// Scheduler arms and coalesces retry timers for FAILED sync jobs.
type Scheduler struct {
	store  engine.MetadataStore
	clock  Clock
	leaser coordination.Leaser
	handle Handler
	logger zerolog.Logger

	mu     sync.Mutex
	timers map[string]Timer
}

// New builds a Scheduler. leaser may be coordination.NewMemLeaser(nil) for a
// single-process deployment or a Redis-backed leaser shared across
// processes.
func New(store engine.MetadataStore, clock Clock, leaser coordination.Leaser, handle Handler) *Scheduler {
	if clock == nil {
		clock = NewRealClock()
	}
	return &Scheduler{
		store:  store,
		clock:  clock,
		leaser: leaser,
		handle: handle,
		logger: observability.Logger("retryer.scheduler"),
		timers: make(map[string]Timer),
	}
}

// SetHandler assigns the fire handler after construction, for callers that
// must build the Scheduler before the component it resumes (the
// Orchestrator also needs a reference to the Scheduler to arm retries).
func (s *Scheduler) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
}

// Arm schedules a retry for docID after Backoff(retries), coalescing with
// any timer already armed for the same document.
func (s *Scheduler) Arm(ctx context.Context, docID string, retries int) {
	logger := observability.WithDocID(s.logger, docID)

	if retries >= defaultMaxRetries {
		s.fireExceeded(ctx, docID)
		return
	}

	ok, err := s.leaser.TryAcquire(ctx, docID, defaultCap+defaultScanInterval)
	if err != nil {
		logger.Warn().Err(err).Msg("acquire retry lease")
		return
	}
	if !ok {
		logger.Debug().Msg("retry already armed, coalescing")
		return
	}

	delay := Backoff(retries)
	logger.Info().Dur("delay", delay).Int("retries", retries).Msg(observability.EventRetryArmed)

	s.mu.Lock()
	s.timers[docID] = s.clock.AfterFunc(delay, func() {
		s.fire(docID)
	})
	s.mu.Unlock()
}

// fire drives the FAILED job to RETRYING and persists that transition
// before handing off to the handler, so the orchestrator resumes the job
// from RETRYING.
func (s *Scheduler) fire(docID string) {
	logger := observability.WithDocID(s.logger, docID)

	s.mu.Lock()
	delete(s.timers, docID)
	handle := s.handle
	s.mu.Unlock()

	ctx := context.Background()
	_ = s.leaser.Release(ctx, docID)

	job, err := s.store.GetSyncJob(ctx, docID)
	if err != nil {
		logger.Warn().Err(err).Msg("load sync job for retry fire")
		return
	}
	from := job.Status
	to, err := fsm.Apply(from, fsm.EventRetry)
	if err != nil {
		logger.Warn().Err(err).Msg("reject retry transition")
		return
	}
	job.Status = to
	if err := s.store.ApplyTransition(ctx, job, &engine.TransitionLog{
		SyncJobID: job.SyncJobID,
		FromState: from,
		ToState:   to,
		Event:     fsm.EventRetry,
		At:        s.clock.Now(),
	}); err != nil {
		logger.Error().Err(err).Msg("persist retry transition")
		return
	}

	logger.Info().Msg(observability.EventRetryFired)
	if handle != nil {
		handle(ctx, docID)
	}
}

func (s *Scheduler) fireExceeded(ctx context.Context, docID string) {
	logger := observability.WithDocID(s.logger, docID)

	job, err := s.store.GetSyncJob(ctx, docID)
	if err != nil {
		logger.Warn().Err(err).Msg("load sync job for exceeded retries")
		return
	}
	from := job.Status
	to, err := fsm.Apply(from, fsm.EventRetriesExceeded)
	if err != nil {
		logger.Warn().Err(err).Msg("reject retries-exceeded transition")
		return
	}
	job.Status = to
	if err := s.store.ApplyTransition(ctx, job, &engine.TransitionLog{
		SyncJobID: job.SyncJobID,
		FromState: from,
		ToState:   to,
		Event:     fsm.EventRetriesExceeded,
		At:        s.clock.Now(),
	}); err != nil {
		logger.Error().Err(err).Msg("persist dead job")
		return
	}
	if err := s.store.SetDocumentStatus(ctx, docID, engine.DocStatusFailed); err != nil {
		logger.Error().Err(err).Msg("mark document failed")
	}
	logger.Warn().Msg(observability.EventSyncDead)
}

// Cancel stops an armed timer for docID without firing it, used when the
// document is deleted out from under a pending retry.
func (s *Scheduler) Cancel(ctx context.Context, docID string) {
	s.mu.Lock()
	t, ok := s.timers[docID]
	if ok {
		delete(s.timers, docID)
	}
	s.mu.Unlock()
	if ok {
		t.Stop()
	}
	_ = s.leaser.Release(ctx, docID)
}

// RearmOnBoot scans every persisted FAILED job and re-arms a timer for it.
// Every job is re-armed with the full delay = Backoff(retries) counted from
// this call; time already waited before the restart is not deducted, so a
// job can fire up to one full backoff delay later than its original deadline.
func (s *Scheduler) RearmOnBoot(ctx context.Context) error {
	jobs, err := s.store.ListSyncJobsByStatus(ctx, fsm.StateFailed)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		s.Arm(ctx, job.DocID, job.Retries)
	}
	return nil
}

// ScanInterval exposes the default re-arming scan cadence so a caller (e.g.
// a daemon background loop) can schedule RearmOnBoot calls beyond startup.
func ScanInterval() time.Duration { return defaultScanInterval }

// MaxRetries exposes the retry ceiling for callers constructing SyncJob
// transitions without importing the backoff constants directly.
func MaxRetries() int { return defaultMaxRetries }
