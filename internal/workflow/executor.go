package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brightfield-labs/scraperd/internal/model"
	"github.com/brightfield-labs/scraperd/internal/platform/logger"
	"github.com/brightfield-labs/scraperd/internal/retry"
)

const sessionAuthTimeout = 30 * time.Minute

// DebugCallback receives captured artifacts on step failure when debug
// mode is on (spec.md §4.6 step 5).
type DebugCallback func(step string, artifacts DebugArtifacts)

// Result is execute_workflow's return contract (spec.md §4.6).
type Result struct {
	Success        bool
	Results        map[string]any
	StepsExecuted  []string
	Errors         []string
	NoResultsFound bool
}

// Executor runs one site's workflow steps against one SKU. It is
// constructed once per worker and reused across SKUs so the
// session-authenticated flag survives between runs (spec.md §4.6 step
// 4).
type Executor struct {
	registry *Registry
	retrier  *retry.Executor
	log      *logger.Logger

	onDebug DebugCallback

	authenticatedAt time.Time
}

func New(registry *Registry, retrier *retry.Executor, log *logger.Logger, onDebug DebugCallback) *Executor {
	if registry == nil {
		registry = NewRegistry()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Executor{registry: registry, retrier: retrier, log: log, onDebug: onDebug}
}

func (e *Executor) sessionAuthenticated() bool {
	return !e.authenticatedAt.IsZero() && time.Since(e.authenticatedAt) < sessionAuthTimeout
}

// ExecuteWorkflow implements spec.md §4.6's execute_workflow.
func (e *Executor) ExecuteWorkflow(ctx context.Context, page Page, site string, steps []model.WorkflowStep, normalizationRules []NormalizationRule, ec *ExecutionContext, stop <-chan struct{}) Result {
	_ = page.ApplyStealth(ctx)

	for _, step := range steps {
		if cancelledChan(stop) {
			ec.Errors = append(ec.Errors, "cancelled before step "+step.Action)
			break
		}

		if step.Action == "login" && e.sessionAuthenticated() {
			ec.StepsExecuted = append(ec.StepsExecuted, step.Action+":noop")
			continue // no-op until session expiry (spec.md §4.6 step 4)
		}

		params := ec.resolveParams(step.Params)
		err := e.runStep(ctx, page, site, step.Action, params, ec, stop)
		ec.StepsExecuted = append(ec.StepsExecuted, step.Action)

		if err == nil {
			if step.Action == "login" {
				e.authenticatedAt = time.Now()
			}
			continue
		}
		if errors.Is(err, ErrConditionalSkip) {
			return Result{
				Success:        true,
				Results:        ec.Data,
				StepsExecuted:  ec.StepsExecuted,
				NoResultsFound: true,
			}
		}

		if ec.Debug {
			if artifacts, aerr := page.CaptureDebugArtifacts(ctx); aerr == nil && e.onDebug != nil {
				e.onDebug(step.Action, artifacts)
			}
		}
		ec.Errors = append(ec.Errors, fmt.Sprintf("%s: %v", step.Action, err))
		return Result{
			Success:       false,
			Results:       ec.Data,
			StepsExecuted: ec.StepsExecuted,
			Errors:        ec.Errors,
		}
	}

	if ec.NoResultsFound {
		return Result{Success: true, Results: ec.Data, StepsExecuted: ec.StepsExecuted, NoResultsFound: true}
	}

	ApplyNormalization(ec, normalizationRules)
	return Result{Success: true, Results: ec.Data, StepsExecuted: ec.StepsExecuted}
}

func (e *Executor) runStep(ctx context.Context, page Page, site, action string, params map[string]any, ec *ExecutionContext, stop <-chan struct{}) error {
	fn, ok := e.registry.Lookup(action)
	if !ok {
		return fmt.Errorf("workflow: unknown action %q", action)
	}

	if !Retryable[action] || e.retrier == nil {
		return fn(ctx, page, ec, params)
	}

	res := e.retrier.ExecuteWithRetry(ctx, site, action, func(ctx context.Context, attempt int) (any, error) {
		return nil, fn(ctx, page, ec, params)
	}, retry.Options{StopSignal: stop})

	if res.Cancelled {
		return fmt.Errorf("workflow: %s cancelled", action)
	}
	if !res.Success {
		// More than one attempt means the retryable path ran its course
		// and exhausted max_retries; a single attempt means the failure
		// was non-retryable (or the circuit was open) and short-circuited
		// immediately, so the classified cause propagates as-is (spec.md
		// §4.6's error surface).
		if res.Attempts > 1 {
			return fmt.Errorf("max_retries_exceeded: %w", res.Err)
		}
		return res.Err
	}
	return nil
}

func cancelledChan(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
