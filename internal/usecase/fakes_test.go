package usecase

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fexvoice/internal/domain"
	"fexvoice/internal/ports"
	"fexvoice/internal/wakeword"
)

// harness drives an ActivationController on the test goroutine.
type harness struct {
	t          *testing.T
	c          *ActivationController
	device     *fakeDevice
	wake       *fakeRecognizer
	query      *fakeRecognizer
	sched      *fakeScheduler
	sink       *fakeEventSink
	dispatcher *fakeDispatcher
}

func testConfig() Config {
	return Config{
		Recovery:        DefaultRecoveryPolicy(),
		StartupDelay:    time.Second,
		StopGrace:       300 * time.Millisecond,
		DispatchTimeout: 5 * time.Second,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	set, err := wakeword.NewPhraseSet(wakeword.DefaultPhrases)
	require.NoError(t, err)

	device := &fakeDevice{}
	factory := &fakeRecognizerFactory{device: device}
	h := &harness{
		t:          t,
		device:     device,
		sched:      &fakeScheduler{now: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)},
		sink:       &fakeEventSink{},
		dispatcher: &fakeDispatcher{release: make(chan struct{})},
	}
	h.c = NewActivationController(
		factory,
		wakeword.NewMatcher(set),
		&fakeRules{},
		h.dispatcher,
		h.sink,
		h.sched,
		testConfig(),
	)
	h.c.recovery.random = func() float64 { return 0.5 }
	h.wake = factory.byMode[domain.ModeWakeWord]
	h.query = factory.byMode[domain.ModeQuery]
	return h
}

// drain handles every queued event without blocking.
func (h *harness) drain() {
	h.t.Helper()
	for {
		select {
		case ev := <-h.c.queue:
			h.c.handle(ev)
			h.assertExclusive()
		default:
			return
		}
	}
}

// awaitEvent blocks for one asynchronously posted event, such as a settled dispatch.
func (h *harness) awaitEvent() {
	h.t.Helper()
	select {
	case ev := <-h.c.queue:
		h.c.handle(ev)
		h.assertExclusive()
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for controller event")
	}
}

// settleDispatch lets the in-flight dispatch finish and handles its result.
func (h *harness) settleDispatch() {
	h.t.Helper()
	select {
	case h.dispatcher.release <- struct{}{}:
	case <-time.After(2 * time.Second):
		h.t.Fatalf("no dispatch in flight")
	}
	h.awaitEvent()
}

func (h *harness) assertExclusive() {
	h.t.Helper()
	status := h.c.Status()
	if status.WakeRunning && status.QueryRunning {
		h.t.Fatalf("wake and query sessions both running in state %s", status.State)
	}
}

// fire runs the pending timer scheduled with delay and handles its event.
func (h *harness) fire(delay time.Duration) {
	h.t.Helper()
	h.sched.fire(h.t, delay)
	h.drain()
}

// startWaiting runs the startup sequence up to WaitingForWakeWord.
func (h *harness) startWaiting() {
	h.t.Helper()
	h.c.begin(context.Background())
	h.fire(time.Second)
	h.wake.start()
	h.drain()
	require.Equal(h.t, domain.StateWaitingForWakeWord, h.c.Status().State)
}

// activateByVoice speaks transcript to the wake listener and lets the query session start.
func (h *harness) activateByVoice(transcript ...string) {
	h.t.Helper()
	for _, text := range transcript {
		h.wake.result(partial(text))
	}
	h.drain()
	require.Equal(h.t, domain.StateListening, h.c.Status().State)
	h.wake.end()
	h.drain()
	h.query.start()
	h.drain()
}

type fakeDevice struct {
	mu         sync.Mutex
	running    map[domain.SessionMode]bool
	violations int
}

func (d *fakeDevice) acquire(mode domain.SessionMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running == nil {
		d.running = map[domain.SessionMode]bool{}
	}
	if d.running[mode.Opposite()] {
		d.violations++
	}
	d.running[mode] = true
}

func (d *fakeDevice) release(mode domain.SessionMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, mode)
}

type fakeRecognizerFactory struct {
	device *fakeDevice
	byMode map[domain.SessionMode]*fakeRecognizer
}

func (f *fakeRecognizerFactory) NewRecognizer(cfg ports.RecognizerConfig) ports.Recognizer {
	mode := domain.ModeQuery
	if cfg.Continuous {
		mode = domain.ModeWakeWord
	}
	if f.byMode == nil {
		f.byMode = map[domain.SessionMode]*fakeRecognizer{}
	}
	r := &fakeRecognizer{mode: mode, cfg: cfg, device: f.device}
	f.byMode[mode] = r
	return r
}

// fakeRecognizer records requests; tests script its notifications.
type fakeRecognizer struct {
	mu      sync.Mutex
	mode    domain.SessionMode
	cfg     ports.RecognizerConfig
	device  *fakeDevice
	handler ports.RecognizerHandler
	running bool

	startErr       error
	alreadyRunning bool

	starts int
	stops  int
	aborts int
}

func (r *fakeRecognizer) Start(_ context.Context, handler ports.RecognizerHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	if r.running || r.alreadyRunning {
		return domain.ErrAlreadyRunning
	}
	r.device.acquire(r.mode)
	r.running = true
	r.handler = handler
	r.starts++
	return nil
}

func (r *fakeRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	return nil
}

func (r *fakeRecognizer) Abort() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborts++
	return nil
}

func (r *fakeRecognizer) currentHandler() ports.RecognizerHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler
}

func (r *fakeRecognizer) start() { r.currentHandler().OnStart() }

func (r *fakeRecognizer) result(event domain.TranscriptEvent) { r.currentHandler().OnResult(event) }

func (r *fakeRecognizer) end() {
	r.finish()
	r.currentHandler().OnEnd()
}

func (r *fakeRecognizer) fail(kind domain.CaptureErrorKind) {
	r.finish()
	r.currentHandler().OnError(kind)
}

func (r *fakeRecognizer) finish() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.device.release(r.mode)
}

func (r *fakeRecognizer) counts() (starts, stops, aborts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops, r.aborts
}

type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	mu      sync.Mutex
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (t *fakeTimer) pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) ports.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &fakeTimer{delay: d, f: f}
	s.timers = append(s.timers, timer)
	return timer
}

func (s *fakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// pendingDelays lists the delays of timers that have not fired or been stopped.
func (s *fakeScheduler) pendingDelays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var delays []time.Duration
	for _, timer := range s.timers {
		if timer.pending() {
			delays = append(delays, timer.delay)
		}
	}
	sort.Slice(delays, func(i, j int) bool { return delays[i] < delays[j] })
	return delays
}

func (s *fakeScheduler) fire(t *testing.T, delay time.Duration) {
	t.Helper()
	s.mu.Lock()
	var target *fakeTimer
	for i := len(s.timers) - 1; i >= 0; i-- {
		if s.timers[i].delay == delay && s.timers[i].pending() {
			target = s.timers[i]
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		t.Fatalf("no pending timer with delay %s (pending: %v)", delay, s.pendingDelays())
	}

	target.mu.Lock()
	target.fired = true
	target.mu.Unlock()
	target.f()
}

type fakeDispatcher struct {
	mu      sync.Mutex
	results []domain.Results
	errs    []error
	calls   []string
	// release, when set, holds each dispatch until a token is sent or the
	// request is cancelled.
	release chan struct{}
}

func newFakeDispatcher(results domain.Results, err error) *fakeDispatcher {
	f := &fakeDispatcher{}
	f.respond(results, err)
	return f
}

// respond queues a response; the last one repeats once the queue is exhausted.
func (f *fakeDispatcher) respond(results domain.Results, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, results)
	f.errs = append(f.errs, err)
}

func (f *fakeDispatcher) Process(ctx context.Context, text string) (domain.Results, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	release := f.release
	var results domain.Results
	var err error
	if len(f.results) > 0 {
		idx := min(len(f.calls)-1, len(f.results)-1)
		results, err = f.results[idx], f.errs[idx]
	}
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return domain.Results{}, ctx.Err()
		}
	}
	return results, err
}

func (f *fakeDispatcher) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeRules struct {
	transform string
	err       error
}

func (f *fakeRules) Apply(text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.transform != "" {
		return f.transform, nil
	}
	return text, nil
}

type fakeEventSink struct {
	mu sync.Mutex

	states   []stateEvent
	partials []partialEvent
	matches  []domain.WakeWordMatch
	results  []domain.Results
	errors   []errEvent
}

type stateEvent struct {
	state  domain.ActivationState
	reason domain.StateReason
}

type partialEvent struct {
	mode domain.SessionMode
	text string
}

type errEvent struct {
	code   domain.ErrorCode
	detail string
}

func (f *fakeEventSink) StateChanged(state domain.ActivationState, reason domain.StateReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateEvent{state: state, reason: reason})
}

func (f *fakeEventSink) PartialTranscript(mode domain.SessionMode, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partials = append(f.partials, partialEvent{mode: mode, text: text})
}

func (f *fakeEventSink) WakeWordDetected(match domain.WakeWordMatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matches = append(f.matches, match)
}

func (f *fakeEventSink) ResultsReady(results domain.Results) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, results)
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errEvent{code: code, detail: detail})
}

func (f *fakeEventSink) snapshotStates() []stateEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stateEvent, len(f.states))
	copy(out, f.states)
	return out
}

func (f *fakeEventSink) lastState() stateEvent {
	states := f.snapshotStates()
	if len(states) == 0 {
		return stateEvent{}
	}
	return states[len(states)-1]
}

func (f *fakeEventSink) snapshotErrors() []errEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]errEvent, len(f.errors))
	copy(out, f.errors)
	return out
}

func (f *fakeEventSink) snapshotMatches() []domain.WakeWordMatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.WakeWordMatch(nil), f.matches...)
}

func (f *fakeEventSink) snapshotResults() []domain.Results {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Results(nil), f.results...)
}
