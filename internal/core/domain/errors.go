package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrTemporary    = errors.New("temporary failure")
	ErrForbidden    = errors.New("forbidden")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// ErrorCode is the stable, user-visible failure taxonomy attached to items.
type ErrorCode string

const (
	// Dispatch and preprocessing. Fatal, never retried.
	CodeUnreadableFile    ErrorCode = "unreadable_file"
	CodeUnsupportedFormat ErrorCode = "unsupported_format"
	CodeFileTooLarge      ErrorCode = "file_too_large"
	CodeTooManyPages      ErrorCode = "too_many_pages"
	CodeInfectedFile      ErrorCode = "infected_file"

	// Transient stage failures. Retried with backoff.
	CodeOCRFailed      ErrorCode = "ocr_failed"
	CodeTimeout        ErrorCode = "timeout"
	CodeTransportError ErrorCode = "transport_error"

	CodeUnclassified ErrorCode = "unclassified_document"

	// Normalization. Fatal: the input does not change on retry.
	CodeMissingRequiredField ErrorCode = "missing_required_field"
	CodeUnparseableDate      ErrorCode = "unparseable_date"
	CodeUnparseableAmount    ErrorCode = "unparseable_amount"
	CodeUnknownCountry       ErrorCode = "unknown_country"

	// Validation. Collected exhaustively.
	CodeTotalsMismatch       ErrorCode = "totals_mismatch"
	CodeTaxBreakdownMismatch ErrorCode = "tax_breakdown_mismatch"
	CodeInvalidTaxID         ErrorCode = "invalid_tax_id"
	CodeInvalidTaxCode       ErrorCode = "invalid_tax_code"
	CodeUnrecognizedCurrency ErrorCode = "unrecognized_currency"
	CodeCurrencyMismatch     ErrorCode = "currency_mismatch"
	CodeFutureDate           ErrorCode = "future_date"
	CodeSchemaViolation      ErrorCode = "schema_violation"

	CodePromotionFailed ErrorCode = "promotion_failed"
	CodeInternal        ErrorCode = "internal_error"
)

// ValidationError is one structured failure reported on an item.
type ValidationError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Field   string    `json:"field,omitempty"`
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
}

// StageError is returned by pipeline stages. Retryable errors are re-run by the
// orchestrator within its retry budget; everything else fails the item at once.
type StageError struct {
	Code      ErrorCode
	Retryable bool
	Issues    []ValidationError
	Err       error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if len(e.Issues) > 0 {
		return fmt.Sprintf("%s: %d issue(s)", e.Code, len(e.Issues))
	}
	return string(e.Code)
}

func (e *StageError) Unwrap() error { return e.Err }

// AsIssues flattens the error into the item-visible error list.
func (e *StageError) AsIssues() []ValidationError {
	if len(e.Issues) > 0 {
		return e.Issues
	}
	msg := string(e.Code)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return []ValidationError{{Code: e.Code, Message: msg}}
}

func Fatal(code ErrorCode, err error) *StageError {
	return &StageError{Code: code, Err: err}
}

func Transient(code ErrorCode, err error) *StageError {
	return &StageError{Code: code, Retryable: true, Err: err}
}

func Rejected(code ErrorCode, issues []ValidationError) *StageError {
	return &StageError{Code: code, Issues: issues}
}

// CodedError is implemented by adapter errors that already know their place
// in the item error taxonomy.
type CodedError interface {
	error
	ErrorCode() ErrorCode
}

// CodeOf returns the taxonomy code carried by err, if any.
func CodeOf(err error) (ErrorCode, bool) {
	if se, ok := AsStageError(err); ok {
		return se.Code, true
	}
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.ErrorCode(), true
	}
	return "", false
}

// AsStageError extracts a *StageError from err, if any.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
