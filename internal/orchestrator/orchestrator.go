// Package orchestrator drives one interactive authorization attempt at a time.
//
// A run moves through OPENING_BROWSER and WAITING_FOR_AUTH, then ends in
// exactly one of SUCCESS, ERROR, TIMEOUT or CANCELLED. COMPLETING is reported
// while the new tokens are being saved. Status updates reach the caller's
// callback in order on a goroutine owned by the run; a callback that panics is
// logged and does not affect the run.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"taxfiler/internal/common/errors"
	"taxfiler/internal/common/logging"
	"taxfiler/internal/oauth2"
)

// Status is a step of an authorization run
type Status string

const (
	StatusOpeningBrowser Status = "OPENING_BROWSER"
	StatusWaitingForAuth Status = "WAITING_FOR_AUTH"
	StatusCompleting     Status = "COMPLETING"
	StatusSuccess        Status = "SUCCESS"
	StatusError          Status = "ERROR"
	StatusTimeout        Status = "TIMEOUT"
	StatusCancelled      Status = "CANCELLED"
)

// Terminal reports whether no further updates follow s
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

const (
	DefaultTimeout = 5 * time.Minute
	saveTimeout    = 10 * time.Second
)

// Update is delivered to the callback. Err is set for ERROR, TIMEOUT and CANCELLED.
type Update struct {
	Status Status
	Err    error
}

// Callback receives every Update of a run
type Callback func(Update)

// AuthorizationFlow obtains a token set from the user's consent
type AuthorizationFlow interface {
	Authorize(ctx context.Context) (*oauth2.TokenSet, error)
	Cancel()
	ReopenPrompt() error
}

// TokenSaver persists the result of a successful run
type TokenSaver interface {
	SaveTokens(ctx context.Context, set *oauth2.TokenSet) error
	MarkSessionVerified()
}

// Result is the terminal outcome returned by Connect
type Result struct {
	Status Status
	Err    error
}

// Orchestrator runs at most one AuthorizationFlow at a time
type Orchestrator struct {
	flow    AuthorizationFlow
	tokens  TokenSaver
	timeout time.Duration
	logger  logging.Logger

	running atomic.Bool
	mu      sync.Mutex
	current *run
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithTimeout bounds every run
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger overrides the logger
func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator
func New(flow AuthorizationFlow, tokens TokenSaver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		flow:    flow,
		tokens:  tokens,
		timeout: DefaultTimeout,
		logger:  logging.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.WithFields(logging.Field{Key: "component", Value: "orchestrator"})
	return o
}

type run struct {
	id        int64
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	settled   atomic.Bool
	events    chan Update

	mu    sync.Mutex
	timer *time.Timer
}

// claim makes the caller the only one allowed to report the terminal status
func (r *run) claim() bool {
	if !r.settled.CompareAndSwap(false, true) {
		return false
	}
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()
	return true
}

var runCounter atomic.Int64

// Start begins a run and returns true, or returns false without side effects
// when a run is already in flight.
func (o *Orchestrator) Start(cb Callback) bool {
	if !o.running.CompareAndSwap(false, true) {
		o.logger.Warn("authorization already in progress, ignoring start")
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:     runCounter.Add(1),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Update, 8),
	}

	// Held until the run is fully wired so Cancel and the timer see a complete run.
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = r

	go o.dispatch(r, cb)

	r.events <- Update{Status: StatusOpeningBrowser}
	r.events <- Update{Status: StatusWaitingForAuth}

	r.mu.Lock()
	r.timer = time.AfterFunc(o.timeout, func() { o.onTimeout(r) })
	r.mu.Unlock()

	o.logger.Info("authorization started", logging.Int("run", int(r.id)), logging.Duration("timeout", o.timeout))

	go func() {
		set, err := o.flow.Authorize(r.ctx)
		o.complete(r, set, err)
	}()

	return true
}

// Cancel stops the in-flight run, if any. A success reported by the flow
// afterwards is discarded.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r == nil {
		return
	}

	r.cancelled.Store(true)
	o.flow.Cancel()
	r.cancel()

	if r.claim() {
		o.finish(r, Update{Status: StatusCancelled, Err: errors.New(errors.KindCancelled, "authorization cancelled")})
	}
}

// ReopenPrompt asks the flow to show its consent prompt again
func (o *Orchestrator) ReopenPrompt() error {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r == nil {
		return errors.New(errors.KindInvalidState, "no authorization in progress")
	}
	return o.flow.ReopenPrompt()
}

// Running reports whether a run is in flight
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Connect runs one authorization and blocks until it ends or ctx is done.
// It fails with AUTH_IN_PROGRESS when a run is already in flight.
func (o *Orchestrator) Connect(ctx context.Context) (Result, error) {
	done := make(chan Update, 1)
	started := o.Start(func(u Update) {
		if u.Status.Terminal() {
			done <- u
		}
	})
	if !started {
		return Result{}, errors.New(errors.KindAuthInProgress, "an authorization is already in progress")
	}

	select {
	case u := <-done:
		return resultOf(u)
	case <-ctx.Done():
		o.Cancel()
		if ctx.Err() == context.DeadlineExceeded {
			return Result{Status: StatusTimeout}, errors.TimeoutError("authorization")
		}
		return Result{Status: StatusCancelled}, errors.Wrap(errors.KindCancelled, "authorization abandoned", ctx.Err())
	}
}

func resultOf(u Update) (Result, error) {
	res := Result{Status: u.Status, Err: u.Err}
	switch u.Status {
	case StatusSuccess:
		return res, nil
	case StatusCancelled:
		return res, errors.New(errors.KindCancelled, "authorization cancelled")
	case StatusTimeout:
		return res, errors.TimeoutError("authorization")
	}
	if _, ok := errors.As(u.Err); ok {
		return res, u.Err
	}
	return res, errors.Wrap(errors.KindAuthFailed, "authorization failed", u.Err)
}

func (o *Orchestrator) onTimeout(r *run) {
	if !r.claim() {
		return
	}
	o.flow.Cancel()
	r.cancel()
	o.finish(r, Update{
		Status: StatusTimeout,
		Err:    errors.New(errors.KindTimeout, fmt.Sprintf("no authorization within %s", o.timeout)),
	})
}

func (o *Orchestrator) complete(r *run, set *oauth2.TokenSet, err error) {
	if r.cancelled.Load() {
		if r.claim() {
			o.finish(r, Update{Status: StatusCancelled, Err: errors.New(errors.KindCancelled, "authorization cancelled")})
		}
		if err == nil {
			o.logger.Info("discarding tokens from cancelled authorization", logging.Int("run", int(r.id)))
		}
		return
	}

	if !r.claim() {
		if err == nil {
			o.logger.Warn("discarding tokens from authorization that already ended", logging.Int("run", int(r.id)))
		}
		return
	}

	if err == nil && set == nil {
		err = errors.New(errors.KindAuthFailed, "authorization returned no tokens")
	}
	if err != nil {
		o.finish(r, Update{Status: StatusError, Err: err})
		return
	}

	r.events <- Update{Status: StatusCompleting}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), saveTimeout)
	defer cancel()
	if err := o.tokens.SaveTokens(ctx, set); err != nil {
		o.finish(r, Update{Status: StatusError, Err: err})
		return
	}
	o.tokens.MarkSessionVerified()

	o.finish(r, Update{Status: StatusSuccess})
}

// finish must only be called by the run's claimant
func (o *Orchestrator) finish(r *run, u Update) {
	if u.Err != nil {
		o.logger.Warn("authorization ended", logging.String("status", string(u.Status)), logging.Err(u.Err))
	} else {
		o.logger.Info("authorization ended", logging.String("status", string(u.Status)))
	}

	o.mu.Lock()
	if o.current == r {
		o.current = nil
	}
	o.mu.Unlock()
	o.running.Store(false)
	r.cancel()

	r.events <- u
	close(r.events)
}

func (o *Orchestrator) dispatch(r *run, cb Callback) {
	for u := range r.events {
		o.deliver(cb, u)
	}
}

func (o *Orchestrator) deliver(cb Callback, u Update) {
	if cb == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("status callback panicked", fmt.Errorf("%v", p), logging.String("status", string(u.Status)))
		}
	}()
	cb(u)
}
