package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fexvoice/internal/domain"
	"fexvoice/internal/metrics"
	"fexvoice/internal/ports"
)

var ErrControllerRunning = errors.New("activation controller already running")

const permissionDeniedMessage = "Microphone access denied. Allow microphone access and press start to try again."

// Config controls the activation loop timing.
type Config struct {
	Recovery RecoveryPolicy
	// StartupDelay postpones the first wake listener start.
	StartupDelay time.Duration
	// StopGrace bounds the wait for a stopped session's terminal notification
	// before the other mode is started anyway.
	StopGrace       time.Duration
	DispatchTimeout time.Duration
	QueueSize       int
	Language        string
}

// Option customizes an ActivationController.
type Option func(*ActivationController)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *ActivationController) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *ActivationController) { c.metrics = m }
}

type timerKind int

const (
	timerStartWake timerKind = iota
	timerStopGrace
)

type pendingTimer struct {
	token uint64
	timer ports.Timer
}

type (
	timerFired struct {
		kind  timerKind
		token uint64
	}
	commandKind    int
	commandEvent   struct{ kind commandKind }
	dispatchSettle struct {
		token   uint64
		text    string
		results domain.Results
		err     error
		elapsed time.Duration
	}
)

const (
	commandActivate commandKind = iota
	commandDeactivate
	commandToggle
)

// ActivationController is the hands-free activation state machine. It owns one
// wake-word recognizer and one query recognizer and never lets both hold the
// capture device. All state is mutated on the Run goroutine; recognizer
// callbacks, timers, commands and dispatch completions arrive as queued events.
type ActivationController struct {
	recognizers map[domain.SessionMode]ports.Recognizer
	matcher     ports.WakeWordMatcher
	finalizer   utteranceFinalizer
	events      ports.EventSink
	scheduler   ports.Scheduler
	recovery    *RecoveryScheduler
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	cfg         Config

	queue   chan any
	done    chan struct{}
	running atomic.Bool
	ctx     context.Context

	// Loop-owned state.
	state          domain.ActivationState
	nextID         uint64
	sessions       map[domain.SessionMode]*captureSession
	awaiting       domain.SessionMode
	seed           string
	results        domain.Results
	message        string
	fatal          bool
	timerToken     uint64
	timers         map[timerKind]pendingTimer
	dispatchToken  uint64
	dispatchCancel context.CancelFunc

	mu     sync.Mutex
	status domain.Status
}

func NewActivationController(
	factory ports.RecognizerFactory,
	matcher ports.WakeWordMatcher,
	rules ports.RulesEngine,
	dispatcher ports.Dispatcher,
	events ports.EventSink,
	scheduler ports.Scheduler,
	cfg Config,
	opts ...Option,
) *ActivationController {
	if cfg.StartupDelay < 0 {
		cfg.StartupDelay = 0
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 300 * time.Millisecond
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if cfg.QueueSize < 16 {
		cfg.QueueSize = 256
	}

	c := &ActivationController{
		matcher:   matcher,
		events:    events,
		scheduler: scheduler,
		recovery:  NewRecoveryScheduler(cfg.Recovery),
		logger:    zerolog.Nop(),
		cfg:       cfg,
		queue:     make(chan any, cfg.QueueSize),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		state:     domain.StateIdle,
		sessions:  map[domain.SessionMode]*captureSession{},
		timers:    map[timerKind]pendingTimer{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.Recovery = c.recovery.Policy()
	c.finalizer = newUtteranceFinalizer(rules, dispatcher, c.logger)
	c.recognizers = map[domain.SessionMode]ports.Recognizer{
		domain.ModeWakeWord: factory.NewRecognizer(ports.RecognizerConfig{
			Continuous:     true,
			InterimResults: true,
			Language:       cfg.Language,
		}),
		domain.ModeQuery: factory.NewRecognizer(ports.RecognizerConfig{
			Continuous:     false,
			InterimResults: true,
			Language:       cfg.Language,
		}),
	}
	c.status = domain.Status{State: domain.StateIdle}
	return c
}

// Run processes events until ctx is cancelled. Sessions are aborted on exit.
func (c *ActivationController) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrControllerRunning
	}
	defer c.shutdown()

	c.begin(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.queue:
			c.handle(ev)
		}
	}
}

// Activate starts query capture as if the trigger phrase had been heard.
func (c *ActivationController) Activate() { c.post(commandEvent{kind: commandActivate}) }

// Deactivate stops whichever session is active and returns to wake-word listening.
func (c *ActivationController) Deactivate() { c.post(commandEvent{kind: commandDeactivate}) }

// Toggle stops while listening and activates otherwise.
func (c *ActivationController) Toggle() { c.post(commandEvent{kind: commandToggle}) }

// Status returns the snapshot published after the last processed event.
func (c *ActivationController) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := c.status
	status.Results.Movies = append([]domain.Movie(nil), c.status.Results.Movies...)
	status.Results.Restaurants = append([]domain.Restaurant(nil), c.status.Results.Restaurants...)
	return status
}

func (c *ActivationController) post(ev any) {
	select {
	case c.queue <- ev:
	case <-c.done:
	}
}

func (c *ActivationController) begin(ctx context.Context) {
	c.ctx = ctx
	c.metrics.ObserveState(c.state)
	c.events.StateChanged(c.state, domain.ReasonStartup)
	c.schedule(timerStartWake, c.cfg.StartupDelay)
	c.publish()
}

func (c *ActivationController) shutdown() {
	close(c.done)
	for kind := range c.timers {
		c.cancelTimer(kind)
	}
	c.cancelDispatch()
	for _, session := range c.sessions {
		if session.running {
			_ = c.recognizers[session.mode].Abort()
			session.release(domain.CaptureAborted)
		}
	}
	c.publish()
}

func (c *ActivationController) handle(ev any) {
	switch e := ev.(type) {
	case sessionStarted:
		c.onSessionStarted(e)
	case sessionResult:
		c.onSessionResult(e)
	case sessionTerminated:
		c.onSessionTerminated(e)
	case timerFired:
		c.onTimer(e)
	case commandEvent:
		c.onCommand(e)
	case dispatchSettle:
		c.onDispatchSettled(e)
	}
	c.publish()
}

// current returns the session an event belongs to, or false when the event
// is stale.
func (c *ActivationController) current(mode domain.SessionMode, id uint64) (*captureSession, bool) {
	session := c.sessions[mode]
	if session == nil || session.id != id || session.ended {
		c.metrics.StaleEvent()
		c.logger.Debug().Str("mode", string(mode)).Uint64("session", id).Msg("dropping stale capture notification")
		return nil, false
	}
	return session, true
}

func (c *ActivationController) onSessionStarted(e sessionStarted) {
	session, ok := c.current(e.mode, e.id)
	if !ok {
		return
	}
	session.started = true
	c.logger.Debug().Str("mode", string(e.mode)).Uint64("session", e.id).Msg("capture session started")

	switch e.mode {
	case domain.ModeWakeWord:
		if c.state == domain.StateIdle {
			c.setState(domain.StateWaitingForWakeWord, domain.ReasonWakeListening)
		}
	case domain.ModeQuery:
		c.message = ""
	}
}

func (c *ActivationController) onSessionResult(e sessionResult) {
	session, ok := c.current(e.mode, e.id)
	if !ok {
		return
	}
	session.transcript.Add(e.event)
	session.resulted = true
	text := session.transcript.Text()

	if e.mode == domain.ModeQuery {
		if c.state == domain.StateListening && !session.stopping {
			c.events.PartialTranscript(domain.ModeQuery, c.pendingText())
		}
		return
	}

	c.recovery.Reset()
	switch c.state {
	case domain.StateWaitingForWakeWord:
		if session.stopping {
			return
		}
		c.events.PartialTranscript(domain.ModeWakeWord, text)
		if match, found := c.matcher.Match(text); found {
			c.onWakeWord(match)
		}
	case domain.StateListening:
		// The query has not heard anything yet, so the stopping wake
		// listener may still be finishing the same breath.
		if query := c.activeQuery(); query != nil && query.resulted {
			return
		}
		if match, found := c.matcher.Match(text); found && match.TrailingText != c.seed {
			c.seed = match.TrailingText
			c.events.PartialTranscript(domain.ModeQuery, c.pendingText())
		}
	}
}

func (c *ActivationController) onWakeWord(match domain.WakeWordMatch) {
	c.logger.Info().Str("phrase", match.Phrase).Str("variant", match.Variant).Str("trailing", match.TrailingText).Msg("wake word detected")
	c.metrics.WakeWordDetected(match.Phrase)
	c.events.WakeWordDetected(match)
	c.enterListening(match.TrailingText, domain.ReasonWakeWordDetected)
}

func (c *ActivationController) enterListening(seed string, reason domain.StateReason) {
	c.cancelTimer(timerStartWake)
	c.cancelDispatch()
	c.clearPending()
	if query := c.sessions[domain.ModeQuery]; query != nil && !query.running {
		delete(c.sessions, domain.ModeQuery)
	}
	c.seed = seed
	if !c.results.Empty() || c.results.Kind != domain.ResultKindNone {
		c.results = domain.Results{}
		c.events.ResultsReady(c.results)
	}
	c.setState(domain.StateListening, reason)
	if seed != "" {
		c.events.PartialTranscript(domain.ModeQuery, seed)
	}
	c.startSession(domain.ModeQuery)
}

func (c *ActivationController) onSessionTerminated(e sessionTerminated) {
	session, ok := c.current(e.mode, e.id)
	if !ok {
		return
	}
	session.release(e.kind)

	logEvent := c.logger.Debug()
	if e.kind != "" && e.kind != domain.CaptureNoSpeech && e.kind != domain.CaptureAborted {
		logEvent = c.logger.Warn()
		c.metrics.SessionErrored(e.mode, e.kind)
	}
	logEvent.Str("mode", string(e.mode)).Uint64("session", e.id).Str("kind", string(e.kind)).
		Str("state", string(c.state)).Msg("capture session ended")

	decision := c.recovery.OnSessionEnded(e.mode, e.kind, c.state, c.scheduler.Now())
	switch decision.Action {
	case ActionRestartWake:
		c.restartWake(decision.Delay)
	case ActionFinalizeQuery:
		c.finishQuery(decision.Delay)
	case ActionReturnToWaiting:
		c.clearPending()
		c.setState(domain.StateWaitingForWakeWord, domain.ReasonQueryFailed)
		c.restartWake(decision.Delay)
	case ActionFatal:
		c.failPermission()
	}

	c.resumeAwaiting()
}

// finishQuery flushes the pending utterance while leaving Listening.
func (c *ActivationController) finishQuery(settle time.Duration) {
	text := c.pendingText()
	c.clearPending()
	if text == "" {
		c.setState(domain.StateWaitingForWakeWord, domain.ReasonNoUtterance)
		c.restartWake(settle)
		return
	}
	c.setState(domain.StateDispatching, domain.ReasonDispatching)
	c.dispatch(text)
	c.restartWake(settle)
}

func (c *ActivationController) dispatch(text string) {
	c.dispatchToken++
	token := c.dispatchToken
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DispatchTimeout)
	c.dispatchCancel = cancel
	c.logger.Info().Str("text", text).Msg("dispatching utterance")

	go func() {
		defer cancel()
		startedAt := time.Now()
		dispatched, results, err := c.finalizer.Finalize(ctx, text)
		c.post(dispatchSettle{
			token:   token,
			text:    dispatched,
			results: results,
			err:     err,
			elapsed: time.Since(startedAt),
		})
	}()
}

func (c *ActivationController) onDispatchSettled(e dispatchSettle) {
	if e.token != c.dispatchToken || c.dispatchCancel == nil {
		c.logger.Debug().Str("text", e.text).Msg("dropping superseded dispatch result")
		return
	}
	c.dispatchCancel = nil

	if e.err != nil {
		c.metrics.DispatchSettled("failure", e.elapsed)
		c.logger.Warn().Err(e.err).Str("text", e.text).Msg("dispatch failed")
		c.message = e.err.Error()
		c.events.SessionError(domain.ErrorCodeDispatch, c.message)
		c.setState(domain.StateWaitingForWakeWord, domain.ReasonDispatchFailed)
		c.ensureWakeListening()
		return
	}

	c.metrics.DispatchSettled("success", e.elapsed)
	c.results = e.results
	c.events.ResultsReady(e.results)
	c.setState(domain.StateWaitingForWakeWord, domain.ReasonResultsReady)
	c.ensureWakeListening()
}

// ensureWakeListening schedules a wake restart unless a wake session is
// running or a start is already due.
func (c *ActivationController) ensureWakeListening() {
	if wake := c.sessions[domain.ModeWakeWord]; wake != nil && wake.running {
		return
	}
	if _, due := c.timers[timerStartWake]; due || c.awaiting == domain.ModeWakeWord {
		return
	}
	c.restartWake(c.cfg.Recovery.WakeRestartDelay)
}

func (c *ActivationController) onCommand(e commandEvent) {
	kind := e.kind
	if kind == commandToggle {
		kind = commandActivate
		if c.state == domain.StateListening {
			kind = commandDeactivate
		}
	}

	switch kind {
	case commandActivate:
		if c.state == domain.StateListening {
			return
		}
		c.fatal = false
		c.recovery.Reset()
		c.enterListening("", domain.ReasonManualActivation)
	case commandDeactivate:
		c.manualStop()
	}
}

// manualStop aborts whatever is active and forces wake-word listening after
// the settle delay.
func (c *ActivationController) manualStop() {
	c.cancelTimer(timerStartWake)
	c.cancelTimer(timerStopGrace)
	c.cancelDispatch()
	c.awaiting = ""
	for _, mode := range []domain.SessionMode{domain.ModeQuery, domain.ModeWakeWord} {
		if session := c.sessions[mode]; session != nil && session.running {
			c.stopSession(session, true)
		}
	}
	c.clearPending()
	c.setState(domain.StateWaitingForWakeWord, domain.ReasonManualStop)
	c.restartWake(c.cfg.Recovery.SettleDelay)
}

func (c *ActivationController) failPermission() {
	c.cancelTimer(timerStartWake)
	c.awaiting = ""
	if !c.fatal {
		c.fatal = true
		c.message = permissionDeniedMessage
		c.logger.Error().Msg("microphone permission denied; wake listener stopped")
		c.events.SessionError(domain.ErrorCodePermissionDenied, permissionDeniedMessage)
	}
	switch c.state {
	case domain.StateListening:
		c.clearPending()
		c.setState(domain.StateWaitingForWakeWord, domain.ReasonPermissionDenied)
	case domain.StateIdle:
		c.setState(domain.StateWaitingForWakeWord, domain.ReasonPermissionDenied)
	}
}

func (c *ActivationController) restartWake(delay time.Duration) {
	if c.fatal {
		return
	}
	c.metrics.RestartScheduled(domain.ModeWakeWord)
	c.schedule(timerStartWake, delay)
}

func (c *ActivationController) onTimer(e timerFired) {
	pending, ok := c.timers[e.kind]
	if !ok || pending.token != e.token {
		return
	}
	delete(c.timers, e.kind)

	switch e.kind {
	case timerStartWake:
		if c.state == domain.StateListening {
			return
		}
		c.startSession(domain.ModeWakeWord)
	case timerStopGrace:
		for _, session := range c.sessions {
			if session.running && session.stopping {
				c.logger.Warn().Str("mode", string(session.mode)).Uint64("session", session.id).
					Msg("capture session did not confirm stop; releasing")
				_ = c.recognizers[session.mode].Abort()
				session.release(domain.CaptureAborted)
			}
		}
		c.resumeAwaiting()
	}
}

// blocker returns the session that must terminate before mode can start.
func (c *ActivationController) blocker(mode domain.SessionMode) *captureSession {
	if other := c.sessions[mode.Opposite()]; other != nil && other.running {
		return other
	}
	if same := c.sessions[mode]; same != nil && same.running && same.stopping {
		return same
	}
	return nil
}

// startSession starts mode once no other session holds the capture device.
func (c *ActivationController) startSession(mode domain.SessionMode) {
	if c.fatal {
		return
	}
	if blocker := c.blocker(mode); blocker != nil {
		c.stopSession(blocker, false)
		c.awaitRelease(mode)
		return
	}
	if session := c.sessions[mode]; session != nil && session.running {
		return
	}

	c.nextID++
	session := newCaptureSession(c.nextID, mode)
	previous := c.sessions[mode]
	c.sessions[mode] = session

	err := c.recognizers[mode].Start(c.ctx, sessionHandler{id: session.id, mode: mode, post: c.post})
	switch {
	case err == nil:
		session.running = true
		c.metrics.SessionStarted(mode)
		c.logger.Debug().Str("mode", string(mode)).Uint64("session", session.id).Msg("starting capture session")
	case errors.Is(err, domain.ErrAlreadyRunning):
		// The device has not finished a run we already released; try again
		// once it settles.
		c.sessions[mode] = previous
		c.logger.Debug().Str("mode", string(mode)).Msg("capture device already running")
		c.awaitRelease(mode)
	default:
		kind := domain.ErrorKindOf(err)
		c.logger.Warn().Err(err).Str("mode", string(mode)).Msg("failed to start capture session")
		c.onSessionTerminated(sessionTerminated{id: session.id, mode: mode, kind: kind})
	}
}

func (c *ActivationController) stopSession(session *captureSession, abort bool) {
	if session.stopping && !abort {
		return
	}
	session.stopping = true
	recognizer := c.recognizers[session.mode]
	var err error
	if abort {
		err = recognizer.Abort()
	} else {
		err = recognizer.Stop()
	}
	if err != nil {
		c.logger.Debug().Err(err).Str("mode", string(session.mode)).Msg("stop request failed")
	}
}

func (c *ActivationController) awaitRelease(mode domain.SessionMode) {
	c.awaiting = mode
	if _, pending := c.timers[timerStopGrace]; !pending {
		c.schedule(timerStopGrace, c.cfg.StopGrace)
	}
}

func (c *ActivationController) resumeAwaiting() {
	mode := c.awaiting
	if mode == "" || c.blocker(mode) != nil {
		return
	}
	c.awaiting = ""
	c.cancelTimer(timerStopGrace)
	if mode == domain.ModeQuery && c.state != domain.StateListening {
		return
	}
	if mode == domain.ModeWakeWord && c.state == domain.StateListening {
		return
	}
	c.startSession(mode)
}

func (c *ActivationController) schedule(kind timerKind, delay time.Duration) {
	c.cancelTimer(kind)
	c.timerToken++
	token := c.timerToken
	timer := c.scheduler.AfterFunc(delay, func() {
		c.post(timerFired{kind: kind, token: token})
	})
	c.timers[kind] = pendingTimer{token: token, timer: timer}
}

func (c *ActivationController) cancelTimer(kind timerKind) {
	if pending, ok := c.timers[kind]; ok {
		pending.timer.Stop()
		delete(c.timers, kind)
	}
}

func (c *ActivationController) cancelDispatch() {
	if c.dispatchCancel != nil {
		c.dispatchCancel()
		c.dispatchCancel = nil
	}
	c.dispatchToken++
}

// activeQuery returns the query session of the current listening period.
func (c *ActivationController) activeQuery() *captureSession {
	if query := c.sessions[domain.ModeQuery]; query != nil && !query.stopping {
		return query
	}
	return nil
}

func (c *ActivationController) pendingText() string {
	queryText := ""
	if query := c.activeQuery(); query != nil {
		queryText = query.transcript.Text()
	}
	return joinUtterance(c.seed, queryText)
}

func (c *ActivationController) clearPending() {
	c.seed = ""
	if query := c.sessions[domain.ModeQuery]; query != nil {
		query.transcript.Reset()
	}
}

func (c *ActivationController) setState(state domain.ActivationState, reason domain.StateReason) {
	if c.state == state {
		return
	}
	c.logger.Info().Str("from", string(c.state)).Str("to", string(state)).Str("reason", string(reason)).Msg("activation state changed")
	c.state = state
	if state == domain.StateWaitingForWakeWord {
		// Only speech heard from now on may trigger.
		if wake := c.sessions[domain.ModeWakeWord]; wake != nil {
			wake.transcript.Reset()
		}
	}
	c.metrics.ObserveState(state)
	c.events.StateChanged(state, reason)
}

func (c *ActivationController) publish() {
	status := domain.Status{
		State:   c.state,
		Results: c.results,
		Message: c.message,
		Fatal:   c.fatal,
	}
	if c.state == domain.StateListening {
		status.Pending = c.pendingText()
	}
	if wake := c.sessions[domain.ModeWakeWord]; wake != nil {
		status.WakeRunning = wake.running
	}
	if query := c.sessions[domain.ModeQuery]; query != nil {
		status.QueryRunning = query.running
	}

	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}
