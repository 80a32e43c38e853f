package models

import "fmt"

// RecoverableError is implemented by enriched errors that carry structured
// context and remediation hints. The output package declares a structural
// twin of this interface to avoid an import cycle.
type RecoverableError interface {
	error
	ErrorCode() string
	Context() map[string]string
	SuggestedAction() string
}

// ErrorKind enumerates the error kinds named in the error handling design:
// configuration, validation, storage, vector-store, dimension-mismatch,
// embedding-provider, summarizer, daemon-startup, hook-malformed,
// query-validation.
type ErrorKind string

// Recognized error kinds.
const (
	ErrorKindConfiguration     ErrorKind = "configuration"
	ErrorKindValidation        ErrorKind = "validation"
	ErrorKindStorage           ErrorKind = "storage"
	ErrorKindVectorStore       ErrorKind = "vector-store"
	ErrorKindDimensionMismatch ErrorKind = "dimension-mismatch"
	ErrorKindEmbeddingProvider ErrorKind = "embedding-provider"
	ErrorKindSummarizer        ErrorKind = "summarizer"
	ErrorKindDaemonStartup     ErrorKind = "daemon-startup"
	ErrorKindHookMalformed     ErrorKind = "hook-malformed"
	ErrorKindQueryValidation   ErrorKind = "query-validation"
)

// KindError is a generic RecoverableError carrying one of the ErrorKind
// values, used for cases that don't need a bespoke struct.
type KindError struct {
	Kind    ErrorKind
	Msg     string
	Ctx     map[string]string
	Action  string
	Wrapped error
}

// NewKindError builds a KindError.
func NewKindError(kind ErrorKind, msg string, ctx map[string]string, action string) *KindError {
	return &KindError{Kind: kind, Msg: msg, Ctx: ctx, Action: action}
}

// WithCause attaches an underlying error, exposed through Unwrap so
// errors.Is/As can still see it.
func (e *KindError) WithCause(err error) *KindError {
	e.Wrapped = err
	return e
}

func (e *KindError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Wrapped)
	}
	return e.Msg
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/As.
func (e *KindError) Unwrap() error { return e.Wrapped }

// ErrorCode implements RecoverableError.
func (e *KindError) ErrorCode() string { return string(e.Kind) }

// Context implements RecoverableError.
func (e *KindError) Context() map[string]string { return e.Ctx }

// SuggestedAction implements RecoverableError.
func (e *KindError) SuggestedAction() string { return e.Action }

// DimensionMismatchError is the escalation path for §4.2's dimension-safety
// invariant: a collection populated at dimension d1 must refuse writes from
// a provider reporting d2 != d1 until an explicit rebuild.
type DimensionMismatchError struct {
	Collection string
	Stored     int
	Reported   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("collection %q: stored dimension %d, provider reports %d", e.Collection, e.Stored, e.Reported)
}

// ErrorCode implements RecoverableError.
func (e *DimensionMismatchError) ErrorCode() string { return string(ErrorKindDimensionMismatch) }

// Context implements RecoverableError.
func (e *DimensionMismatchError) Context() map[string]string {
	return map[string]string{
		"collection": e.Collection,
		"stored":     fmt.Sprintf("%d", e.Stored),
		"reported":   fmt.Sprintf("%d", e.Reported),
	}
}

// SuggestedAction implements RecoverableError.
func (e *DimensionMismatchError) SuggestedAction() string {
	return "invoke the rebuild-memories (or rebuild-index) devtools operation, then retry"
}

// ActiveBatchConflictError signals an attempt to open a second active
// batch on a session that already has one, the invariant in §8.
type ActiveBatchConflictError struct {
	SessionID     string
	ActiveBatchID int64
}

func (e *ActiveBatchConflictError) Error() string {
	return fmt.Sprintf("session %s already has active batch %d", e.SessionID, e.ActiveBatchID)
}

// ErrorCode implements RecoverableError.
func (e *ActiveBatchConflictError) ErrorCode() string { return string(ErrorKindStorage) }

// Context implements RecoverableError.
func (e *ActiveBatchConflictError) Context() map[string]string {
	return map[string]string{
		"session_id":      e.SessionID,
		"active_batch_id": fmt.Sprintf("%d", e.ActiveBatchID),
	}
}

// SuggestedAction implements RecoverableError.
func (e *ActiveBatchConflictError) SuggestedAction() string {
	return "close the active batch before opening a new one"
}
