package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/prshepherd/prshepherd/internal/logfields"
	"github.com/prshepherd/prshepherd/internal/orcherr"
)

const (
	defRetryTimeout       = 20 * time.Minute
	defBackoffInitialIntv = 5 * time.Second
)

// ErrRetryerStopped is returned by Run when the Retryer was stopped before
// the function succeeded.
var ErrRetryerStopped = errors.New("retryer was stopped")

// Retryer executes a function repeatedly until it was successful or a
// cancel condition happened.
type Retryer struct {
	logger                     *zap.Logger
	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
	shutdownChan               chan struct{}
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named("retryer"),
		defTimeout:                 defRetryTimeout,
		backoffInitialInterval:     defBackoffInitialIntv,
		backoffRandomizationFactor: backoff.DefaultRandomizationFactor,
		shutdownChan:               make(chan struct{}),
	}
}

// Run executes fn until it was successful, it returned an error that does
// not wrap orcherr.RetryableError, the retry timeout expired or the
// execution was aborted via the context.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	ctx, cancel := context.WithTimeout(ctx, r.defTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Info(
				"action execution cancelled",
				logfields.Event("action_execution_cancelled"),
			)

			return ctx.Err()

		case <-retryTimer.C:
			err := fn(ctx)
			if err == nil {
				logger.Debug(
					"action executed successfully",
					logfields.Event("action_executed_successfully"),
				)

				return nil
			}

			logger = logger.With(zap.Error(err))

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info(
					"action cancelled",
					logfields.Event("action_cancelled"),
				)

				return err
			}

			var retryError *orcherr.RetryableError
			if !errors.As(err, &retryError) {
				logger.Warn(
					"action failed, not retryable",
					logfields.Event("action_failed"),
				)

				return err
			}

			retryIn := bo.NextBackOff()
			if !retryError.After.IsZero() {
				if until := time.Until(retryError.After); until > retryIn {
					retryIn = until
				}
			}

			if deadline, ok := ctx.Deadline(); ok && time.Now().Add(retryIn).After(deadline) {
				logger.Warn(
					"action failed, next retry would be after timeout expiration",
					logfields.Event("action_failed"),
					zap.Duration("retry_in", retryIn),
				)

				// wait for the context to expire, the caller
				// gets a consistent DeadlineExceeded error
				<-ctx.Done()
				return ctx.Err()
			}

			retryTimer.Reset(retryIn)
			logger.Info(
				"action failed, retry scheduled",
				logfields.Event("action_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
			)

		case <-r.shutdownChan:
			logger.Info(
				"terminating, action not executed",
				logfields.Event("action_execution_cancelled"),
			)

			return ErrRetryerStopped
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
