// Package scheduler runs one independent fetch loop per calendar source.
//
// Each source moves through Idle -> Fetching -> ScheduledWait | Backoff ->
// Fetching ... and ends in Stopped, either on request or after the retry
// budget is exhausted. Every source owns exactly one rearmable timer; a
// generation counter discards results of cycles that were superseded by
// Stop or Restart while their fetch was in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"calfeed/internal/dispatch"
	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/model"
)

var (
	ErrDuplicateSource = errors.New("source already registered")
	ErrUnknownSource   = errors.New("unknown source")
)

// State is the lifecycle state of one source.
type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching"
	StateScheduled State = "scheduled"
	StateBackoff   State = "backoff"
	StateStopped   State = "stopped"
)

// Retriever downloads one feed. *ics.Fetcher implements it.
type Retriever interface {
	Fetch(ctx context.Context, req ics.FetchRequest) (ics.FetchResult, error)
}

// Status is a point-in-time snapshot of one source.
type Status struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	State      State     `json:"state"`
	RetryCount int       `json:"retryCount"`
	LastFetch  time.Time `json:"lastFetch,omitzero"`
	NextRun    time.Time `json:"nextRun,omitzero"`
	LastError  string    `json:"lastError,omitempty"`
}

type source struct {
	mu sync.Mutex

	cfg  model.SourceConfig
	url  string
	cron cron.Schedule

	state     State
	retries   int
	bo        *backoff.ExponentialBackOff
	timer     Timer
	gen       uint64
	lastFetch time.Time
	nextRun   time.Time
	lastErr   string
}

// setState keeps the ActiveSources gauge in line with transitions into and
// out of Stopped.
func (src *source) setState(st State) {
	if src.state == st {
		return
	}
	wasActive := src.state != "" && src.state != StateStopped
	isActive := st != StateStopped
	switch {
	case isActive && !wasActive:
		ActiveSources.Inc()
	case !isActive && wasActive:
		ActiveSources.Dec()
	}
	src.state = st
}

// Scheduler owns the registry of sources. Only the dispatcher is shared
// between sources; the registry lock is never held across a fetch.
type Scheduler struct {
	ctx      context.Context
	fetcher  Retriever
	dispatch dispatch.Dispatcher
	clock    Clock

	mu      sync.Mutex
	sources map[string]*source
}

// New creates a Scheduler. ctx bounds every fetch the scheduler performs.
func New(ctx context.Context, fetcher Retriever, d dispatch.Dispatcher) *Scheduler {
	return &Scheduler{
		ctx:      ctx,
		fetcher:  fetcher,
		dispatch: d,
		clock:    realClock{},
		sources:  make(map[string]*source),
	}
}

// Start registers cfg and begins its first cycle immediately.
//
// A source whose URL cannot be parsed is still registered, in Stopped, so
// that it shows up in Statuses; its failure is reported once and the
// ErrMalformedURL error is returned.
func (s *Scheduler) Start(ctx context.Context, cfg model.SourceConfig) error {
	src := &source{cfg: cfg, url: cfg.URL, bo: newRetryBackoff()}
	if cfg.Refresh != "" {
		sched, err := cron.ParseStandard(cfg.Refresh)
		if err != nil {
			appLog.Warn("invalid refresh schedule, using fetch interval", "id", cfg.ID, "refresh", cfg.Refresh, "reason", err.Error())
		} else {
			src.cron = sched
		}
	}

	s.mu.Lock()
	if _, ok := s.sources[cfg.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSource, cfg.ID)
	}
	s.sources[cfg.ID] = src
	s.mu.Unlock()

	src.mu.Lock()
	defer src.mu.Unlock()

	if _, err := ics.ValidateURL(cfg.URL); err != nil {
		src.setState(StateStopped)
		src.lastErr = err.Error()
		appLog.Error("source not started", err, "id", cfg.ID, "name", cfg.Name)
		s.report(ctx, src, err, true)
		return err
	}

	appLog.Info("source started", "id", cfg.ID, "name", cfg.Name, "url", ics.RedactURL(cfg.URL), "interval", cfg.FetchInterval, "refresh", cfg.Refresh)
	s.arm(src, 0, StateIdle)
	return nil
}

// Stop cancels the pending timer of id and forgets the source, including
// any state the dispatcher keeps for it. A fetch
// already in flight completes but its result is discarded. Stop on an
// unknown ID is a no-op and returns false.
func (s *Scheduler) Stop(id string) bool {
	s.mu.Lock()
	src, ok := s.sources[id]
	delete(s.sources, id)
	s.mu.Unlock()
	if !ok {
		return false
	}

	src.mu.Lock()
	s.halt(src)
	src.mu.Unlock()

	if f, ok := s.dispatch.(dispatch.Forgetter); ok {
		f.Forget(id)
	}
	forgetSource(id)
	appLog.Info("source stopped", "id", id)
	return true
}

// StopInstance stops every source whose ID starts with prefix and returns
// how many were stopped.
func (s *Scheduler) StopInstance(prefix string) int {
	n := 0
	for _, id := range s.ids() {
		if strings.HasPrefix(id, prefix) && s.Stop(id) {
			n++
		}
	}
	return n
}

// StopAll stops every registered source.
func (s *Scheduler) StopAll() {
	for _, id := range s.ids() {
		s.Stop(id)
	}
}

// Restart resets the retry count of id and begins a new cycle immediately,
// including for sources that were stopped after exhausting their retries.
func (s *Scheduler) Restart(id string) error {
	src, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}

	src.mu.Lock()
	defer src.mu.Unlock()

	src.retries = 0
	src.bo.Reset()
	src.lastErr = ""
	RetryCount.WithLabelValues(id).Set(0)
	appLog.Info("source restarted", "id", id)
	s.arm(src, 0, StateIdle)
	return nil
}

// Status returns a snapshot of id.
func (s *Scheduler) Status(id string) (Status, bool) {
	src, ok := s.lookup(id)
	if !ok {
		return Status{}, false
	}
	return src.snapshot(), true
}

// Statuses returns a snapshot of every source ordered by ID.
func (s *Scheduler) Statuses() []Status {
	ids := s.ids()
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.Status(id); ok {
			out = append(out, st)
		}
	}
	return out
}

// RunOnce performs a single synchronous fetch and build for cfg without
// registering it or arming any timer.
func (s *Scheduler) RunOnce(ctx context.Context, cfg model.SourceConfig) (model.Batch, error) {
	started := s.clock.Now()
	b, _, err := s.cycle(ctx, cfg, cfg.URL)
	elapsed := s.clock.Now().Sub(started).Seconds()
	if err != nil {
		recordFailure(cfg.ID, ics.ErrorKind(err), 0, elapsed)
		return model.Batch{}, err
	}
	recordSuccess(cfg.ID, len(b.Events), elapsed)
	return b, nil
}

func (src *source) snapshot() Status {
	src.mu.Lock()
	defer src.mu.Unlock()
	return Status{
		ID:         src.cfg.ID,
		Name:       src.cfg.Name,
		URL:        ics.RedactURL(src.url),
		State:      src.state,
		RetryCount: src.retries,
		LastFetch:  src.lastFetch,
		NextRun:    src.nextRun,
		LastError:  src.lastErr,
	}
}

func (s *Scheduler) lookup(id string) (*source, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	return src, ok
}

func (s *Scheduler) ids() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sources))
	for id := range s.sources {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// arm replaces the source's timer. Must be called with src.mu held.
func (s *Scheduler) arm(src *source, d time.Duration, st State) {
	if src.timer != nil {
		src.timer.Stop()
	}
	src.gen++
	gen := src.gen
	src.setState(st)
	src.nextRun = s.clock.Now().Add(d)
	src.timer = s.clock.AfterFunc(d, func() { s.run(src, gen) })
}

// halt cancels the timer and invalidates any in-flight cycle. Must be
// called with src.mu held.
func (s *Scheduler) halt(src *source) {
	if src.timer != nil {
		src.timer.Stop()
		src.timer = nil
	}
	src.gen++
	src.setState(StateStopped)
	src.nextRun = time.Time{}
}

func (s *Scheduler) run(src *source, gen uint64) {
	src.mu.Lock()
	if src.gen != gen || src.state == StateStopped {
		src.mu.Unlock()
		return
	}
	src.timer = nil
	src.setState(StateFetching)
	cfg, url := src.cfg, src.url
	src.mu.Unlock()

	started := s.clock.Now()
	b, res, err := s.cycle(s.ctx, cfg, url)
	elapsed := s.clock.Now().Sub(started).Seconds()

	src.mu.Lock()
	defer src.mu.Unlock()

	if src.gen != gen || src.state != StateFetching {
		appLog.Debug("stale fetch result discarded", "id", cfg.ID)
		return
	}
	if err != nil {
		s.fail(src, err, elapsed)
		return
	}

	if res.PermanentURL != "" && res.PermanentURL != src.url {
		appLog.Info("source moved permanently", "id", cfg.ID, "to", ics.RedactURL(res.PermanentURL))
		src.url = res.PermanentURL
	}
	src.retries = 0
	src.bo.Reset()
	src.lastFetch = b.FetchedAt
	src.lastErr = ""
	recordSuccess(cfg.ID, len(b.Events), elapsed)

	s.dispatch.Emit(s.ctx, b)

	next := s.nextInterval(src)
	appLog.Info("fetch cycle completed", "id", cfg.ID, "cycle", b.CycleID, "events", len(b.Events), "next_in", next)
	s.arm(src, next, StateScheduled)
}

// fail reports err and either arms a backoff timer or stops the source.
// Must be called with src.mu held.
func (s *Scheduler) fail(src *source, err error, elapsed float64) {
	id := src.cfg.ID
	kind := ics.ErrorKind(err)
	src.lastErr = err.Error()

	if !ics.Retryable(err) || src.retries >= MaxRetries {
		recordFailure(id, kind, src.retries, elapsed)
		appLog.Error("source stopped after failure", err, "id", id, "kind", kind, "retries", src.retries)
		s.report(s.ctx, src, err, true)
		if src.timer != nil {
			src.timer.Stop()
			src.timer = nil
		}
		src.setState(StateStopped)
		src.nextRun = time.Time{}
		return
	}

	delay := src.bo.NextBackOff()
	src.retries++
	recordFailure(id, kind, src.retries, elapsed)
	appLog.Warn("fetch cycle failed, retrying", "id", id, "kind", kind, "reason", err.Error(), "retry", src.retries, "delay", delay)
	s.report(s.ctx, src, err, false)
	s.arm(src, delay, StateBackoff)
}

func (s *Scheduler) report(ctx context.Context, src *source, err error, terminal bool) {
	s.dispatch.EmitError(ctx, model.FetchFailure{
		SourceID:   src.cfg.ID,
		SourceName: src.cfg.Name,
		Kind:       ics.ErrorKind(err),
		Message:    err.Error(),
		At:         s.clock.Now(),
		Terminal:   terminal,
	})
}

// nextInterval is the wait after a successful cycle: until the next cron
// tick when a refresh schedule is set, else the fetch interval.
func (s *Scheduler) nextInterval(src *source) time.Duration {
	now := s.clock.Now()
	if src.cron != nil {
		if next := src.cron.Next(now.In(src.cfg.Loc())); !next.IsZero() {
			return next.Sub(now)
		}
	}
	if src.cfg.FetchInterval > 0 {
		return src.cfg.FetchInterval
	}
	return DefaultFetchInterval
}

func (s *Scheduler) cycle(ctx context.Context, cfg model.SourceConfig, url string) (model.Batch, ics.FetchResult, error) {
	res, err := s.fetcher.Fetch(ctx, ics.FetchRequest{
		SourceID:       cfg.ID,
		URL:            url,
		Auth:           cfg.Auth,
		SelfSignedCert: cfg.SelfSignedCert,
		Timeout:        cfg.RequestTimeout,
	})
	if err != nil {
		return model.Batch{}, res, err
	}

	now := s.clock.Now()
	events, err := ics.BuildEvents(res.Body, cfg, res.FinalURL, now)
	if err != nil {
		return model.Batch{}, res, err
	}

	return model.Batch{
		SourceID:   cfg.ID,
		SourceName: cfg.Name,
		URL:        cfg.URL,
		Events:     events,
		FetchedAt:  now,
		CycleID:    uuid.NewString(),
	}, res, nil
}
