package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfeed/internal/dispatch"
	"calfeed/internal/ics"
	"calfeed/internal/model"
)

// fakeClock records timers instead of running them; tests fire them by hand.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	d     time.Duration
	at    time.Time
	f     func()
	done  bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.done {
			out = append(out, t)
		}
	}
	return out
}

// fire advances the clock to the only pending timer, runs it and returns
// the delay it was armed with.
func (c *fakeClock) fire(t *testing.T) time.Duration {
	t.Helper()
	p := c.pending()
	require.Len(t, p, 1, "expected exactly one pending timer")

	tm := p[0]
	c.mu.Lock()
	tm.done = true
	c.now = tm.at
	c.mu.Unlock()

	tm.f()
	return tm.d
}

type outcome struct {
	res ics.FetchResult
	err error
}

// fakeRetriever returns scripted outcomes in order; the last one repeats.
type fakeRetriever struct {
	mu       sync.Mutex
	outcomes []outcome
	urls     []string
	during   func()
}

func (f *fakeRetriever) Fetch(_ context.Context, req ics.FetchRequest) (ics.FetchResult, error) {
	f.mu.Lock()
	f.urls = append(f.urls, req.URL)
	o := f.outcomes[0]
	if len(f.outcomes) > 1 {
		f.outcomes = f.outcomes[1:]
	}
	during := f.during
	f.mu.Unlock()

	if during != nil {
		during()
	}
	return o.res, o.err
}

func (f *fakeRetriever) script(o ...outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = o
}

func (f *fakeRetriever) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

type recorder struct {
	mu       sync.Mutex
	batches  []model.Batch
	failures []model.FetchFailure
}

func (r *recorder) Emit(_ context.Context, b model.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}

func (r *recorder) EmitError(_ context.Context, f model.FetchFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
}

func (r *recorder) snapshot() ([]model.Batch, []model.FetchFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Batch(nil), r.batches...), append([]model.FetchFailure(nil), r.failures...)
}

var (
	testNow  = time.Date(2024, 3, 1, 0, 10, 0, 0, time.UTC)
	testBody = []byte(strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"BEGIN:VEVENT",
		"UID:one",
		"SUMMARY:Dentist",
		"DTSTART:20240302T090000Z",
		"DTEND:20240302T100000Z",
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\r\n") + "\r\n")
	okOutcome  = outcome{res: ics.FetchResult{Body: testBody, FinalURL: "https://example.com/cal.ics"}}
	netFailure = outcome{err: fmt.Errorf("%w: connection refused", ics.ErrNetwork)}
)

func testConfig(id string) model.SourceConfig {
	return model.SourceConfig{
		ID:                  id,
		Name:                "Work",
		URL:                 "https://example.com/cal.ics",
		FetchInterval:       5 * time.Minute,
		MaximumEntries:      10,
		MaximumNumberOfDays: 30,
		Symbols:             []string{"fas fa-calendar-alt"},
		Location:            time.UTC,
	}
}

func newTestScheduler(o ...outcome) (*Scheduler, *fakeClock, *fakeRetriever, *recorder) {
	clock := newFakeClock(testNow)
	fetcher := &fakeRetriever{outcomes: o}
	rec := &recorder{}
	s := New(context.Background(), fetcher, rec)
	s.clock = clock
	return s, clock, fetcher, rec
}

func TestSuccessfulCycleSchedulesNextFetch(t *testing.T) {
	s, clock, _, rec := newTestScheduler(okOutcome)
	require.NoError(t, s.Start(context.Background(), testConfig("work_0")))

	st, ok := s.Status("work_0")
	require.True(t, ok)
	assert.Equal(t, StateIdle, st.State)

	assert.Equal(t, time.Duration(0), clock.fire(t))

	batches, failures := rec.snapshot()
	assert.Empty(t, failures)
	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, "work_0", b.SourceID)
	assert.Equal(t, "Work", b.SourceName)
	assert.NotEmpty(t, b.CycleID)
	require.Len(t, b.Events, 1)
	assert.Equal(t, "Dentist", b.Events[0].Title)

	p := clock.pending()
	require.Len(t, p, 1)
	assert.Equal(t, 5*time.Minute, p[0].d)

	st, _ = s.Status("work_0")
	assert.Equal(t, StateScheduled, st.State)
	assert.Equal(t, testNow, st.LastFetch)
	assert.Equal(t, testNow.Add(5*time.Minute), st.NextRun)
	assert.Equal(t, "https://example.com/...(redacted)", st.URL)
}

func TestFailuresBackOffThenStop(t *testing.T) {
	s, clock, _, rec := newTestScheduler(netFailure)
	require.NoError(t, s.Start(context.Background(), testConfig("work_0")))

	clock.fire(t)
	want := []time.Duration{
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
		960 * time.Second,
	}
	for i, d := range want {
		st, _ := s.Status("work_0")
		assert.Equal(t, StateBackoff, st.State)
		assert.Equal(t, i+1, st.RetryCount)
		assert.Equal(t, d, clock.fire(t), "retry %d", i+1)
	}

	assert.Empty(t, clock.pending())

	_, failures := rec.snapshot()
	require.Len(t, failures, 6)
	for _, f := range failures[:5] {
		assert.False(t, f.Terminal)
		assert.Equal(t, ics.KindNetwork, f.Kind)
	}
	assert.True(t, failures[5].Terminal)

	st, _ := s.Status("work_0")
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, MaxRetries, st.RetryCount)
	assert.Contains(t, st.LastError, "connection refused")
}

func TestSuccessResetsBackoff(t *testing.T) {
	s, clock, fetcher, _ := newTestScheduler(netFailure, netFailure, okOutcome, netFailure)
	require.NoError(t, s.Start(context.Background(), testConfig("work_0")))

	clock.fire(t)
	assert.Equal(t, 60*time.Second, clock.fire(t))
	assert.Equal(t, 120*time.Second, clock.fire(t))

	st, _ := s.Status("work_0")
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, 5*time.Minute, clock.fire(t))

	p := clock.pending()
	require.Len(t, p, 1)
	assert.Equal(t, 60*time.Second, p[0].d)
	assert.Len(t, fetcher.calls(), 4)
}

func TestStartMalformedURL(t *testing.T) {
	s, clock, fetcher, rec := newTestScheduler(okOutcome)
	cfg := testConfig("work_0")
	cfg.URL = "ftp://example.com/cal.ics"

	err := s.Start(context.Background(), cfg)
	assert.ErrorIs(t, err, ics.ErrMalformedURL)
	assert.Empty(t, clock.pending())
	assert.Empty(t, fetcher.calls())

	_, failures := rec.snapshot()
	require.Len(t, failures, 1)
	assert.True(t, failures[0].Terminal)
	assert.Equal(t, ics.KindMalformedURL, failures[0].Kind)

	st, ok := s.Status("work_0")
	require.True(t, ok)
	assert.Equal(t, StateStopped, st.State)
}

func TestNonRetryableFetchErrorStops(t *testing.T) {
	s, clock, _, rec := newTestScheduler(outcome{err: fmt.Errorf("%w: bad redirect", ics.ErrMalformedURL)})
	require.NoError(t, s.Start(context.Background(), testConfig("work_0")))

	clock.fire(t)
	assert.Empty(t, clock.pending())
	_, failures := rec.snapshot()
	require.Len(t, failures, 1)
	assert.True(t, failures[0].Terminal)
}

func TestStartDuplicate(t *testing.T) {
	s, _, _, _ := newTestScheduler(okOutcome)
	require.NoError(t, s.Start(context.Background(), testConfig("work_0")))
	assert.ErrorIs(t, s.Start(context.Background(), testConfig("work_0")), ErrDuplicateSource)
}

func TestStopCancelsTimer(t *testing.T) {
	s, clock, fetcher, _ := newTestScheduler(okOutcome)
	require.NoError(t, s.Start(context.Background(), testConfig("work_0")))

	assert.True(t, s.Stop("work_0"))
	assert.False(t, s.Stop("work_0"))
	assert.Empty(t, clock.pending())
	assert.Empty(t, fetcher.calls())

	_, ok := s.Status("work_0")
	assert.False(t, ok)
}

func TestStopDuringFetchDiscardsResult(t *testing.T) {
	s, clock, fetcher, rec := newTestScheduler(okOutcome)
	fetcher.during = func() { s.Stop("work_0") }
	require.NoError(t, s.Start(context.Background(), testConfig("work_0")))

	clock.fire(t)

	batches, failures := rec.snapshot()
	assert.Empty(t, batches)
	assert.Empty(t, failures)
	assert.Empty(t, clock.pending())
}

func TestRestartDuringFetchDiscardsResult(t *testing.T) {
	s, clock, fetcher, rec := newTestScheduler(netFailure)
	var once sync.Once
	fetcher.during = func() {
		once.Do(func() { require.NoError(t, s.Restart("work_0")) })
	}
	require.NoError(t, s.Start(context.Background(), testConfig("work_0")))

	clock.fire(t)

	_, failures := rec.snapshot()
	assert.Empty(t, failures)

	p := clock.pending()
	require.Len(t, p, 1)
	assert.Equal(t, time.Duration(0), p[0].d)
	st, _ := s.Status("work_0")
	assert.Equal(t, StateIdle, st.State)
}

func TestRestartAfterTerminalFailure(t *testing.T) {
	s, clock, fetcher, rec := newTestScheduler(netFailure)
	require.NoError(t, s.Start(context.Background(), testConfig("work_0")))
	for range MaxRetries + 1 {
		clock.fire(t)
	}
	st, _ := s.Status("work_0")
	require.Equal(t, StateStopped, st.State)

	fetcher.script(okOutcome)
	require.NoError(t, s.Restart("work_0"))
	st, _ = s.Status("work_0")
	assert.Equal(t, 0, st.RetryCount)

	assert.Equal(t, time.Duration(0), clock.fire(t))
	batches, _ := rec.snapshot()
	assert.Len(t, batches, 1)

	assert.ErrorIs(t, s.Restart("missing"), ErrUnknownSource)
}

func TestPermanentRedirectIsRemembered(t *testing.T) {
	moved := okOutcome
	moved.res.PermanentURL = "https://new.example.com/cal.ics"
	s, clock, fetcher, rec := newTestScheduler(moved, okOutcome)
	require.NoError(t, s.Start(context.Background(), testConfig("work_0")))

	clock.fire(t)
	clock.fire(t)

	assert.Equal(t, []string{"https://example.com/cal.ics", "https://new.example.com/cal.ics"}, fetcher.calls())

	batches, _ := rec.snapshot()
	require.Len(t, batches, 2)
	assert.Equal(t, "https://example.com/cal.ics", batches[1].URL)
}

func TestStopInstance(t *testing.T) {
	s, _, _, _ := newTestScheduler(okOutcome)
	for _, id := range []string{"a_0", "a_1", "b_0"} {
		require.NoError(t, s.Start(context.Background(), testConfig(id)))
	}

	assert.Equal(t, 2, s.StopInstance("a_"))

	statuses := s.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "b_0", statuses[0].ID)
}

func TestStopForgetsDispatchedState(t *testing.T) {
	clock := newFakeClock(testNow)
	store := dispatch.NewStore()
	s := New(context.Background(), &fakeRetriever{outcomes: []outcome{okOutcome}}, dispatch.Multi{&recorder{}, store})
	s.clock = clock

	for _, id := range []string{"a_0", "a_1", "b_0"} {
		require.NoError(t, s.Start(context.Background(), testConfig(id)))
		store.Emit(context.Background(), model.Batch{SourceID: id})
	}

	assert.Equal(t, 2, s.StopInstance("a_"))
	_, ok := store.Batch("a_0")
	assert.False(t, ok)
	_, ok = store.Batch("a_1")
	assert.False(t, ok)
	_, ok = store.Batch("b_0")
	assert.True(t, ok)

	s.StopAll()
	assert.Empty(t, store.Batches())
}

func TestRefreshScheduleUsesCron(t *testing.T) {
	s, clock, _, _ := newTestScheduler(okOutcome)
	cfg := testConfig("work_0")
	cfg.Refresh = "0 * * * *"
	require.NoError(t, s.Start(context.Background(), cfg))

	clock.fire(t)

	p := clock.pending()
	require.Len(t, p, 1)
	assert.Equal(t, 50*time.Minute, p[0].d)
}

func TestRunOnce(t *testing.T) {
	s, clock, _, rec := newTestScheduler(okOutcome)

	b, err := s.RunOnce(context.Background(), testConfig("work_0"))
	require.NoError(t, err)
	assert.Len(t, b.Events, 1)
	assert.Empty(t, clock.pending())
	assert.Empty(t, s.Statuses())

	batches, _ := rec.snapshot()
	assert.Empty(t, batches)

	s2, _, _, _ := newTestScheduler(netFailure)
	_, err = s2.RunOnce(context.Background(), testConfig("work_0"))
	assert.ErrorIs(t, err, ics.ErrNetwork)
}

func TestRetryBackoffSequence(t *testing.T) {
	bo := newRetryBackoff()
	var got []time.Duration
	for range 7 {
		got = append(got, bo.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute,
		16 * time.Minute, 16 * time.Minute, 16 * time.Minute,
	}, got)
}
