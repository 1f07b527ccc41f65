package resilience

import (
	"context"
	"errors"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

// ClassifyStageError is the classifier for pipeline stages: transient stage
// errors, per-attempt timeouts and temporary infrastructure failures are
// retried, everything else fails fast.
func ClassifyStageError(err error) ErrorClassification {
	if err == nil {
		return ErrorClassification{}
	}
	if errors.Is(err, ErrAttemptTimeout) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if se, ok := domain.AsStageError(err); ok {
		return ErrorClassification{Retryable: se.Retryable, RecordFailure: se.Retryable}
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return ErrorClassification{Retryable: false, RecordFailure: false}
}

// StageErrorOf maps any error escaping a stage attempt onto the item-visible
// taxonomy. Untyped errors become internal errors.
func StageErrorOf(err error) *domain.StageError {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAttemptTimeout) {
		return domain.Transient(domain.CodeTimeout, err)
	}
	if se, ok := domain.AsStageError(err); ok {
		return se
	}
	if IsCircuitOpen(err) || domain.IsKind(err, domain.ErrTemporary) {
		return domain.Transient(domain.CodeTransportError, err)
	}
	return domain.Fatal(domain.CodeInternal, err)
}

// StageExecutor adapts Executor to the pipeline's stage contract.
type StageExecutor struct {
	exec *Executor
}

func NewStageExecutor(exec *Executor) *StageExecutor {
	return &StageExecutor{exec: exec}
}

func (s *StageExecutor) Run(ctx context.Context, operation string, fn func(ctx context.Context, attempt int) error) error {
	err := s.exec.Execute(ctx, operation, func(ctx context.Context) error {
		return fn(ctx, AttemptFromContext(ctx))
	}, ClassifyStageError)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return StageErrorOf(err)
}
