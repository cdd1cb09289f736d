package types

import "errors"

// ErrorKind classifies execution failures.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "NOT_FOUND"
	KindNotPublished ErrorKind = "NOT_PUBLISHED"
	KindConfig       ErrorKind = "CONFIG_ERROR"
	KindExternal     ErrorKind = "EXTERNAL_ERROR"
	KindPersistence  ErrorKind = "PERSISTENCE_ERROR"
	KindCancelled    ErrorKind = "CANCELLED"
	KindUnknown      ErrorKind = "UNKNOWN"
)

// Standard error definitions. Callers wrap these with fmt.Errorf("%w: ...").
var (
	ErrNotFound     = errors.New("workflow not found")
	ErrNotPublished = errors.New("workflow is not published")
	ErrConfig       = errors.New("invalid configuration")
	ErrExternal     = errors.New("external call failed")
	ErrPersistence  = errors.New("persistence failure")
	ErrCancelled    = errors.New("run cancelled")
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrCancelled, KindCancelled},
	{ErrNotFound, KindNotFound},
	{ErrNotPublished, KindNotPublished},
	{ErrConfig, KindConfig},
	{ErrExternal, KindExternal},
	{ErrPersistence, KindPersistence},
}

// Kind returns the classification of err, or KindUnknown.
func Kind(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// Retryable reports whether a job that failed with err may be re-invoked.
// Definition and cancellation failures repeat identically on every attempt.
func Retryable(err error) bool {
	switch Kind(err) {
	case KindExternal, KindPersistence, KindUnknown:
		return true
	}
	return false
}
