// Package retry implements the Retry Executor + Circuit Breaker of
// spec.md §4.3: adaptive per-site backoff with jitter, kind-specific
// recovery hooks, and a per-site circuit breaker gate.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/brightfield-labs/scraperd/internal/classifier"
	"github.com/brightfield-labs/scraperd/internal/model"
	"github.com/brightfield-labs/scraperd/internal/platform/config"
	"github.com/brightfield-labs/scraperd/internal/platform/logger"
)

// Sentinel errors outside the classifier's closed Kind set; these are
// always non-retryable regardless of classification (spec.md §4.3).
var (
	ErrCircuitOpen    = errors.New("circuit_open")
	ErrConfiguration  = errors.New("configuration")
	ErrAuthentication = errors.New("authentication")
	ErrBrowserCrashed = errors.New("browser_crashed")
)

// ClassifiedError lets a caller attach a pre-computed FailureContext to
// an error instead of relying on the executor's generic
// type/message classification.
type ClassifiedError struct {
	Err     error
	Context classifier.FailureContext
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// RecoveryHook runs instead of a normal backoff delay for its kind. It
// reports whether it consumed the retry slot (true = retry again
// without counting against max_retries or the returned attempt count).
type RecoveryHook func(ctx context.Context, site string, fc classifier.FailureContext) bool

// Operation is the unit of work execute_with_retry drives. attempt is
// 1-based.
type Operation func(ctx context.Context, attempt int) (any, error)

// Options configures one ExecuteWithRetry call; zero values fall back
// to the Executor's defaults.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	OnRetry    func(attempt int, fc classifier.FailureContext, delay time.Duration)
	StopSignal <-chan struct{}
}

// Result is execute_with_retry's return contract (spec.md §4.3).
type Result struct {
	Success    bool
	Value      any
	Err        error
	Attempts   int
	TotalDelay time.Duration
	Cancelled  bool
}

// Executor is the Retry Executor + Circuit Breaker component.
type Executor struct {
	cb         *CircuitBreaker
	classifier *classifier.Classifier
	cfg        config.Config
	log        *logger.Logger

	mu      sync.Mutex
	history map[string]map[classifier.Kind]*model.RetryHistory
	hooks   map[classifier.Kind]RecoveryHook
}

func New(cfg config.Config, cls *classifier.Classifier, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Nop()
	}
	if cls == nil {
		cls = classifier.New()
	}
	e := &Executor{
		cb:         NewCircuitBreaker(cfg),
		classifier: cls,
		cfg:        cfg,
		log:        log,
		history:    map[string]map[classifier.Kind]*model.RetryHistory{},
		hooks:      map[classifier.Kind]RecoveryHook{},
	}
	e.registerDefaultHooks()
	return e
}

// registerDefaultHooks wires the default recovery strategies named by
// spec.md §4.3. Callers integrating the workflow executor's browser
// substrate should RegisterHook with page-aware versions (real
// refresh, real cookie clear); these wait-only defaults are a safe
// fallback for operations with no browser context.
func (e *Executor) registerDefaultHooks() {
	e.hooks[classifier.KindCaptchaDetected] = func(ctx context.Context, site string, fc classifier.FailureContext) bool {
		return sleepCancellable(ctx, e.stopSignal(), 5*time.Second)
	}
	e.hooks[classifier.KindRateLimited] = func(ctx context.Context, site string, fc classifier.FailureContext) bool {
		return sleepCancellable(ctx, e.stopSignal(), 30*time.Second)
	}
	e.hooks[classifier.KindAccessDenied] = func(ctx context.Context, site string, fc classifier.FailureContext) bool {
		return sleepCancellable(ctx, e.stopSignal(), 15*time.Second)
	}
}

// stopSignal is a placeholder used only by the package-default hooks,
// which have no per-call StopSignal in scope; ExecuteWithRetry hands
// every hook a ctx that it cancels when the call's StopSignal fires.
func (e *Executor) stopSignal() <-chan struct{} { return nil }

// RegisterHook overrides the recovery hook for kind.
func (e *Executor) RegisterHook(kind classifier.Kind, hook RecoveryHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks[kind] = hook
}

// Snapshot exposes the circuit breaker state for site (diagnostics,
// /status endpoint).
func (e *Executor) Snapshot(site string) model.CircuitState {
	return e.cb.Snapshot(site)
}

// ExecuteWithRetry implements spec.md §4.3's execute_with_retry.
func (e *Executor) ExecuteWithRetry(ctx context.Context, site, action string, op Operation, opts Options) Result {
	if !e.cb.Allow(site) {
		return Result{Success: false, Err: fmt.Errorf("%s/%s: %w", site, action, ErrCircuitOpen)}
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = e.cfg.RetryBaseDelay
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	attempts := 0
	retriesRemaining := maxRetries
	var totalDelay time.Duration

	for {
		if cancelled(opts.StopSignal) {
			return Result{Success: false, Cancelled: true, Attempts: attempts, TotalDelay: totalDelay}
		}

		attempts++
		val, err := op(ctx, attempts)
		if err == nil {
			e.cb.Success(site)
			e.recordOutcome(site, "", true)
			return Result{Success: true, Value: val, Attempts: attempts, TotalDelay: totalDelay}
		}

		fc := e.classify(err)
		e.recordOutcome(site, fc.Kind, false)

		if !retryable(err, fc) {
			e.cb.Failure(site)
			return Result{Success: false, Err: err, Attempts: attempts, TotalDelay: totalDelay}
		}
		if retriesRemaining <= 0 {
			e.cb.Failure(site)
			return Result{Success: false, Err: err, Attempts: attempts, TotalDelay: totalDelay}
		}

		if hook, ok := e.hooks[fc.Kind]; ok && hook != nil {
			if cancelled(opts.StopSignal) {
				return Result{Success: false, Cancelled: true, Attempts: attempts, TotalDelay: totalDelay}
			}
			hookCtx, cancelHook := context.WithCancel(ctx)
			if opts.StopSignal != nil {
				go func() {
					select {
					case <-opts.StopSignal:
						cancelHook()
					case <-hookCtx.Done():
					}
				}()
			}
			consumed := hook(hookCtx, site, fc)
			cancelHook()
			if consumed {
				// Consumed without counting as an attempt (spec.md §4.3).
				attempts--
				continue
			}
		}

		retriesRemaining--
		delay := e.computeDelay(site, fc.Kind, maxRetries-retriesRemaining, baseDelay)
		totalDelay += delay
		if opts.OnRetry != nil {
			opts.OnRetry(attempts, fc, delay)
		}
		if !sleepCancellable(ctx, opts.StopSignal, delay) {
			return Result{Success: false, Cancelled: true, Attempts: attempts, TotalDelay: totalDelay}
		}
	}
}

func (e *Executor) classify(err error) classifier.FailureContext {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Context
	}
	return e.classifier.ClassifyException(fmt.Sprintf("%T", err), err.Error())
}

// retryable folds classifier.Kind.Retryable() together with the
// executor-level sentinel errors that sit outside the classifier's
// closed kind set (spec.md §4.3).
func retryable(err error, fc classifier.FailureContext) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrAuthentication) || errors.Is(err, ErrBrowserCrashed) {
		return false
	}
	return fc.Kind.Retryable()
}

func (e *Executor) recordOutcome(site string, kind classifier.Kind, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bySite, ok := e.history[site]
	if !ok {
		bySite = map[classifier.Kind]*model.RetryHistory{}
		e.history[site] = bySite
	}
	h, ok := bySite[kind]
	if !ok {
		h = &model.RetryHistory{Site: site, Kind: string(kind)}
		bySite[kind] = h
	}
	h.Record(success, 20)
}

func (e *Executor) failureRate(site string, kind classifier.Kind) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	bySite, ok := e.history[site]
	if !ok {
		return 0
	}
	h, ok := bySite[kind]
	if !ok {
		return 0
	}
	return h.FailureRate()
}

// computeDelay implements spec.md §4.3's backoff policy: exponential
// base, scaled by the rolling failure rate for this site+kind, jittered
// by uniform(0, 10%), floored per kind, and capped at RetryMaxDelay.
func (e *Executor) computeDelay(site string, kind classifier.Kind, attempt int, base time.Duration) time.Duration {
	factor := 1 + e.failureRate(site, kind)
	raw := float64(base) * math.Pow(2, float64(attempt)) * factor

	cap := e.cfg.RetryMaxDelay
	if cap <= 0 {
		cap = 2 * time.Minute
	}
	delay := time.Duration(math.Min(raw, float64(cap)))

	jitterFrac := e.cfg.RetryMaxJitter
	if jitterFrac <= 0 {
		jitterFrac = 0.10
	}
	delay += time.Duration(rand.Float64() * jitterFrac * float64(delay))

	switch kind {
	case classifier.KindRateLimited:
		delay = maxDuration(delay, 10*time.Second)
	case classifier.KindCaptchaDetected:
		delay = maxDuration(delay, 5*time.Second)
	case classifier.KindAccessDenied:
		delay = maxDuration(delay, 15*time.Second)
	}
	return delay
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func cancelled(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// sleepCancellable blocks for d unless stop fires or ctx is cancelled
// first, in which case it returns false immediately (spec.md §4.3:
// "cancellation is checked before each delay").
func sleepCancellable(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}
