package errors

import "errors"

// Sentinel errors covering the failure taxonomy of the service. Callers
// classify wrapped errors with errors.Is; the server package maps them to
// HTTP status codes.
var (
	// ErrNotFound indicates that a user, document, or ready index is absent
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that input validation failed
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotReady indicates a query arrived before the index build completed
	ErrNotReady = errors.New("index not ready")

	// ErrProviderTransient indicates a retryable LLM/embedding failure
	// (timeout, rate limit, upstream 5xx)
	ErrProviderTransient = errors.New("transient provider failure")

	// ErrProviderFatal indicates a non-retryable provider failure
	ErrProviderFatal = errors.New("provider rejected request")

	// ErrCorpusEmpty indicates retrieval returned no relevant context
	ErrCorpusEmpty = errors.New("no relevant context found")

	// ErrStateCorrupt indicates an unreadable or inconsistent index file
	ErrStateCorrupt = errors.New("index state corrupt")

	// ErrJobTimeout indicates a job worker exceeded its outer deadline
	ErrJobTimeout = errors.New("job timed out")

	// ErrInternal indicates an internal server error
	ErrInternal = errors.New("internal error")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

