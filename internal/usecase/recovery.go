package usecase

import (
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"fexvoice/internal/domain"
)

// RecoveryPolicy holds the tunable restart timings.
type RecoveryPolicy struct {
	// WakeRestartDelay applies after the wake listener ends normally.
	WakeRestartDelay time.Duration
	// SettleDelay lets the device free up after a query session before the
	// wake listener restarts.
	SettleDelay time.Duration
	// ErrorBackoff is the first delay after a transient wake failure; it
	// doubles per consecutive failure up to MaxErrorBackoff.
	ErrorBackoff    time.Duration
	MaxErrorBackoff time.Duration
	// Jitter is the +/- fraction applied to error backoff.
	Jitter float64
	// RestartBurst restarts are allowed per RestartWindow before delays stretch.
	RestartBurst  int
	RestartWindow time.Duration
}

func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		WakeRestartDelay: 100 * time.Millisecond,
		SettleDelay:      500 * time.Millisecond,
		ErrorBackoff:     time.Second,
		MaxErrorBackoff:  30 * time.Second,
		Jitter:           0.25,
		RestartBurst:     10,
		RestartWindow:    10 * time.Second,
	}
}

func (p RecoveryPolicy) normalized() RecoveryPolicy {
	def := DefaultRecoveryPolicy()
	if p.WakeRestartDelay <= 0 {
		p.WakeRestartDelay = def.WakeRestartDelay
	}
	if p.SettleDelay <= 0 {
		p.SettleDelay = def.SettleDelay
	}
	if p.ErrorBackoff <= 0 {
		p.ErrorBackoff = def.ErrorBackoff
	}
	if p.MaxErrorBackoff < p.ErrorBackoff {
		p.MaxErrorBackoff = max(def.MaxErrorBackoff, p.ErrorBackoff)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = def.Jitter
	}
	if p.RestartBurst <= 0 {
		p.RestartBurst = def.RestartBurst
	}
	if p.RestartWindow <= 0 {
		p.RestartWindow = def.RestartWindow
	}
	return p
}

// RecoveryAction is what the controller should do after a session ends.
type RecoveryAction int

const (
	ActionNone RecoveryAction = iota
	// ActionRestartWake restarts the wake listener after Delay.
	ActionRestartWake
	// ActionFinalizeQuery flushes the pending utterance and restarts the wake
	// listener after Delay.
	ActionFinalizeQuery
	// ActionReturnToWaiting drops the pending utterance and restarts the wake
	// listener after Delay.
	ActionReturnToWaiting
	// ActionFatal stops all restarts.
	ActionFatal
)

func (a RecoveryAction) String() string {
	switch a {
	case ActionRestartWake:
		return "restart_wake"
	case ActionFinalizeQuery:
		return "finalize_query"
	case ActionReturnToWaiting:
		return "return_to_waiting"
	case ActionFatal:
		return "fatal"
	default:
		return "none"
	}
}

// RestartDecision is the outcome of RecoveryScheduler.OnSessionEnded.
type RestartDecision struct {
	Action RecoveryAction
	Delay  time.Duration
}

// RecoveryScheduler decides whether and when to restart after a session ends.
// It is used from the controller loop only.
type RecoveryScheduler struct {
	policy   RecoveryPolicy
	limiter  *rate.Limiter
	failures int
	random   func() float64
}

func NewRecoveryScheduler(policy RecoveryPolicy) *RecoveryScheduler {
	policy = policy.normalized()
	return &RecoveryScheduler{
		policy:  policy,
		limiter: rate.NewLimiter(rate.Every(policy.RestartWindow/time.Duration(policy.RestartBurst)), policy.RestartBurst),
		random:  rand.Float64,
	}
}

func (r *RecoveryScheduler) Policy() RecoveryPolicy {
	return r.policy
}

// Reset clears the consecutive failure count.
func (r *RecoveryScheduler) Reset() {
	r.failures = 0
}

// OnSessionEnded applies the restart policy to a terminal notification. kind
// is empty for a graceful end.
func (r *RecoveryScheduler) OnSessionEnded(
	mode domain.SessionMode,
	kind domain.CaptureErrorKind,
	state domain.ActivationState,
	now time.Time,
) RestartDecision {
	if kind.IsPermissionDenied() {
		return RestartDecision{Action: ActionFatal}
	}
	if kind == domain.CaptureAborted {
		return RestartDecision{Action: ActionNone}
	}
	graceful := kind == "" || kind == domain.CaptureNoSpeech

	switch mode {
	case domain.ModeWakeWord:
		// The listener keeps running while a dispatch is in flight.
		if state == domain.StateListening {
			return RestartDecision{Action: ActionNone}
		}
		if graceful {
			r.failures = 0
			return RestartDecision{Action: ActionRestartWake, Delay: r.throttle(r.policy.WakeRestartDelay, now)}
		}
		r.failures++
		return RestartDecision{Action: ActionRestartWake, Delay: r.throttle(r.backoff(), now)}
	case domain.ModeQuery:
		if state != domain.StateListening {
			return RestartDecision{Action: ActionNone}
		}
		if graceful {
			return RestartDecision{Action: ActionFinalizeQuery, Delay: r.throttle(r.policy.SettleDelay, now)}
		}
		return RestartDecision{Action: ActionReturnToWaiting, Delay: r.throttle(r.policy.SettleDelay, now)}
	}
	return RestartDecision{Action: ActionNone}
}

// backoff doubles ErrorBackoff per consecutive failure and applies jitter.
func (r *RecoveryScheduler) backoff() time.Duration {
	delay := float64(r.policy.ErrorBackoff) * math.Pow(2, float64(r.failures-1))
	maxDelay := float64(r.policy.MaxErrorBackoff)
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := delay * r.policy.Jitter * (2*r.random() - 1)
	result := delay + jitter
	if result < float64(r.policy.ErrorBackoff)*(1-r.policy.Jitter) {
		result = float64(r.policy.ErrorBackoff) * (1 - r.policy.Jitter)
	}
	if result > maxDelay {
		result = maxDelay
	}
	return time.Duration(result)
}

// throttle stretches delay when restarts exceed the storm limit.
func (r *RecoveryScheduler) throttle(delay time.Duration, now time.Time) time.Duration {
	reservation := r.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return max(delay, r.policy.MaxErrorBackoff)
	}
	return max(delay, reservation.DelayFrom(now))
}
