package intent

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeValidation            = "VALIDATION_FAILED"
	ErrCodeHandlerNotFound       = "HANDLER_NOT_FOUND"
	ErrCodeHandlerError          = "HANDLER_ERROR"
	ErrCodeExecutionTimeout      = "EXECUTION_TIMEOUT"
	ErrCodeDurabilityFailure     = "DURABILITY_FAILURE"
	ErrCodeInvalidTransition     = "INVALID_TRANSITION"
	ErrCodeDuplicateRegistration = "DUPLICATE_REGISTRATION"
	ErrCodeDuplicateID           = "DUPLICATE_ID"
	ErrCodeDuplicateExecution    = "DUPLICATE_EXECUTION"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeCancelled             = "EXECUTION_CANCELLED"
	ErrCodeInterrupted           = "EXECUTION_INTERRUPTED"
	ErrCodeRateLimited           = "RATE_LIMITED"
	ErrCodeRegistryFrozen        = "REGISTRY_FROZEN"
	ErrCodeVersionConflict       = "VERSION_CONFLICT"
)

// Sentinels are never returned directly, callers get a Clone carrying
// message, source and metadata. Compare with IsKind, not errors.Is.
var (
	ErrValidation = apperrors.New("validation error", apperrors.CategoryValidation).
			WithTextCode(ErrCodeValidation)
	ErrHandlerNotFound = apperrors.New("handler not found", apperrors.CategoryNotFound).
				WithTextCode(ErrCodeHandlerNotFound)
	ErrHandlerError = apperrors.New("handler failed", apperrors.CategoryHandler).
			WithTextCode(ErrCodeHandlerError)
	ErrExecutionTimeout = apperrors.New("execution timed out", apperrors.CategoryHandler).
				WithTextCode(ErrCodeExecutionTimeout)
	ErrDurabilityFailure = apperrors.New("durability failure", apperrors.CategoryExternal).
				WithTextCode(ErrCodeDurabilityFailure)
	ErrInvalidTransition = apperrors.New("invalid transition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)
	ErrDuplicateRegistration = apperrors.New("intent type already registered", apperrors.CategoryConflict).
					WithTextCode(ErrCodeDuplicateRegistration)
	ErrDuplicateID = apperrors.New("duplicate id", apperrors.CategoryConflict).
			WithTextCode(ErrCodeDuplicateID)
	ErrDuplicateExecution = apperrors.New("duplicate execution", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateExecution)
	ErrNotFound = apperrors.New("not found", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeNotFound)
	ErrCancelled = apperrors.New("execution cancelled", apperrors.CategoryHandler).
			WithTextCode(ErrCodeCancelled)
	ErrInterrupted = apperrors.New("execution interrupted", apperrors.CategoryInternal).
			WithTextCode(ErrCodeInterrupted)
	ErrRateLimited = apperrors.New("rate limited", apperrors.CategoryRateLimit).
			WithTextCode(ErrCodeRateLimited)
	ErrRegistryFrozen = apperrors.New("registry is frozen", apperrors.CategoryConflict).
				WithTextCode(ErrCodeRegistryFrozen)
	ErrVersionConflict = apperrors.New("version conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)
)

// NewError clones base and decorates it with message, source and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrHandlerError
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorKind returns the text code of the first catalog error in the chain.
func ErrorKind(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsKind reports whether err carries the given text code.
func IsKind(err error, code string) bool {
	if err == nil {
		return false
	}
	return ErrorKind(err) == code
}

// ErrorInfo is the plain data form of an error stored on an Execution.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

// ToErrorInfo flattens err. Errors outside the catalog are reported as
// fallbackKind.
func ToErrorInfo(err error, fallbackKind string) *ErrorInfo {
	if err == nil {
		return nil
	}
	kind := ErrorKind(err)
	if kind == "" {
		kind = fallbackKind
	}
	return &ErrorInfo{Kind: kind, Message: errorMessage(err)}
}

func errorMessage(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		if ge.Source != nil && ge.Source.Error() != ge.Message {
			return ge.Message + ": " + ge.Source.Error()
		}
		return ge.Message
	}
	return err.Error()
}
