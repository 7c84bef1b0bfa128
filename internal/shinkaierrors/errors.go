// Package shinkaierrors defines the core error taxonomy shared by every
// subsystem. Components never unwind raw errors across a job boundary;
// they wrap failures into an *Error carrying a stable Kind so callers (and,
// ultimately, the user-visible failure message in the conversation inbox)
// can branch on category without parsing strings.
package shinkaierrors

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure the way spec.md §7 does: Validation,
// Authorization, NotFound, Conflict, Transient, Resource, Runtime, Fatal.
type Kind string

const (
	KindMalformed       Kind = "Malformed"
	KindSchemaMismatch  Kind = "SchemaMismatch"
	KindPathInvalid     Kind = "PathInvalid"
	KindConfigMissing   Kind = "ConfigMissing"
	KindSignatureInvalid Kind = "SignatureInvalid"
	KindPermissionDenied Kind = "PermissionDenied"
	KindCodeAlreadyUsed Kind = "CodeAlreadyUsed"
	KindRegistryMismatch Kind = "RegistryMismatch"
	KindPathNotFound    Kind = "PathNotFound"
	KindJobNotFound     Kind = "JobNotFound"
	KindToolNotFound    Kind = "ToolNotFound"
	KindInvoiceNotFound Kind = "InvoiceNotFound"
	KindPathAlreadyExists Kind = "PathAlreadyExists"
	KindVersionConflict Kind = "VersionConflict"
	KindDuplicateSubscription Kind = "DuplicateSubscription"
	KindNetworkTimeout  Kind = "NetworkTimeout"
	KindProviderRateLimited Kind = "ProviderRateLimited"
	KindStoreBusy       Kind = "StoreBusy"
	KindTimeout         Kind = "Timeout"
	KindInputTooLarge   Kind = "InputTooLarge"
	KindOutOfBudget     Kind = "OutOfBudget"
	KindSpawnFailed     Kind = "SpawnFailed"
	KindRunnerCrash     Kind = "RunnerCrash"
	KindNonZeroExit     Kind = "NonZeroExit"
	KindOutputSchemaError Kind = "OutputSchemaError"
	KindStoreCorrupted  Kind = "StoreCorrupted"
	KindKeyStoreCorrupted Kind = "KeyStoreCorrupted"
	KindResponseParseError Kind = "ResponseParseError"
	KindDecryptionFailed Kind = "DecryptionFailed"
)

// transientKinds lists the kinds that retry.Do treats as safe to retry.
var transientKinds = map[Kind]bool{
	KindNetworkTimeout:      true,
	KindProviderRateLimited: true,
	KindStoreBusy:           true,
}

// Error is the concrete error type returned by every subsystem boundary.
// Message must never contain secret material or raw stack traces; it is
// shown to end users verbatim in failed-job messages (spec.md §7).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retriable reports whether this error's Kind belongs to spec.md's
// Transient category and is safe for automatic retry with backoff.
func (e *Error) Retriable() bool {
	if e == nil {
		return false
	}
	return transientKinds[e.Kind]
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retriable reports whether err, if it is an *Error, is in the Transient
// category.
func Retriable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retriable()
	}
	return false
}

// Sanitized returns a user-visible failure payload matching spec.md §7's
// "{status: error, kind, message, retriable}" shape, stripped of any cause
// chain so no internal detail leaks into the conversation inbox.
type Sanitized struct {
	Status    string `json:"status"`
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// Sanitize converts any error into a Sanitized payload. Errors that are not
// *Error are reported with a generic Runtime-flavored kind and a message
// that does not echo the raw error text (which may contain stack-adjacent
// detail from a misbehaving dependency).
func Sanitize(err error) Sanitized {
	var e *Error
	if errors.As(err, &e) {
		return Sanitized{
			Status:    "error",
			Kind:      e.Kind,
			Message:   e.Message,
			Retriable: e.Retriable(),
		}
	}
	return Sanitized{
		Status:    "error",
		Kind:      KindRunnerCrash,
		Message:   "an internal error occurred",
		Retriable: false,
	}
}
