// Package fault defines the typed error taxonomy shared by every tillguard
// component.
//
// Errors carry a Code so callers can branch on the category without string
// matching. Package-level sentinels compare by code, which lets callers use
// errors.Is against wrapped errors:
//
//	if errors.Is(err, fault.ErrDuplicateScan) { ... }
package fault

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code categorizes an error.
type Code string

const (
	// CodeValidation means input was rejected before any state change.
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeVersionConflict means an optimistic concurrency check was lost.
	// The caller should refetch and retry.
	CodeVersionConflict Code = "VERSION_CONFLICT"

	// CodeCorruption means an integrity check failed on read or decrypt.
	// Fatal for the record; must reach an operator.
	CodeCorruption Code = "CORRUPTION_DETECTED"

	// CodeDuplicateScan means a product was scanned twice in one transaction.
	CodeDuplicateScan Code = "DUPLICATE_SCAN"

	// CodeManualResolution means a sync conflict needs a human decision.
	CodeManualResolution Code = "REQUIRES_MANUAL_RESOLUTION"

	// CodeInsufficientPermission means the actor lacks a required role.
	CodeInsufficientPermission Code = "INSUFFICIENT_PERMISSION"

	// CodeStorage means an I/O failure. No partial writes happened.
	CodeStorage Code = "STORAGE_FAILURE"

	CodeNotFound          Code = "NOT_FOUND"
	CodePaymentBlocked    Code = "PAYMENT_BLOCKED"
	CodeTransactionClosed Code = "TRANSACTION_CLOSED"
	CodeChainBroken       Code = "CHAIN_BROKEN"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrValidation             = &Error{Code: CodeValidation}
	ErrVersionConflict        = &Error{Code: CodeVersionConflict}
	ErrCorruption             = &Error{Code: CodeCorruption}
	ErrDuplicateScan          = &Error{Code: CodeDuplicateScan}
	ErrManualResolution       = &Error{Code: CodeManualResolution}
	ErrInsufficientPermission = &Error{Code: CodeInsufficientPermission}
	ErrStorage                = &Error{Code: CodeStorage}
	ErrNotFound               = &Error{Code: CodeNotFound}
	ErrPaymentBlocked         = &Error{Code: CodePaymentBlocked}
	ErrTransactionClosed      = &Error{Code: CodeTransactionClosed}
	ErrChainBroken            = &Error{Code: CodeChainBroken}
)

// Error is a categorized error with structured context.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the operation that failed, e.g. "store.AppendBatch".
	Op string

	// Message is a human-readable description.
	Message string

	// Fields carries identifiers useful for diagnostics (event id, aggregate).
	Fields map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Fields[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with a code and formatted message.
func New(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err under code. Returns nil if err is nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// Ensure wraps err under code unless it already carries a code.
func Ensure(code Code, op string, err error) error {
	if err == nil || CodeOf(err) != "" {
		return err
	}
	return Wrap(code, op, err)
}

// With returns a copy of e with an added field.
func (e *Error) With(key, value string) *Error {
	cp := *e
	cp.Fields = make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	cp.Fields[key] = value
	return &cp
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the whole operation may be retried.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeVersionConflict, CodeStorage:
		return true
	default:
		return false
	}
}
