package schsm11

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies the category of a CKError, mirroring the abstract
// error kinds of the cryptoki contract (spec.md §7).
type Kind int

const (
	// ErrOK is never attached to a returned error; it exists so the zero
	// value of Kind is not mistaken for a real failure.
	ErrOK Kind = iota
	ErrNotInitialized
	ErrArgumentsBad
	ErrSlotIDInvalid
	ErrSessionHandleInvalid
	ErrObjectHandleInvalid
	ErrDeviceRemoved
	ErrTokenNotPresent
	ErrTokenNotRecognized
	ErrDeviceError
	ErrSessionParallelNotSupported
	ErrSessionReadWriteSOExists
	ErrSessionReadOnlyExists
	ErrSessionReadOnly
	ErrUserTypeInvalid
	ErrUserAlreadyLoggedIn
	ErrUserNotLoggedIn
	ErrUserPINNotInitialized
	ErrAttributeTypeInvalid
	ErrAttributeSensitive
	ErrBufferTooSmall
	ErrTemplateIncomplete
	ErrTemplateInconsistent
	ErrAttributeValueInvalid
	ErrHostMemory
	ErrFunctionNotSupported
	ErrFunctionFailed

	// Template-engine-specific kinds (spec.md §4.6/§7).
	ErrTemplateNotFound
	ErrTemplateMalformed
	ErrTemplateVersionUnsupported
	ErrUnsupportedKeySize
	ErrTimeOutOfRange
	ErrHashLengthUnsupported
)

var kindText = map[Kind]string{
	ErrNotInitialized:              "not initialized",
	ErrArgumentsBad:                "arguments bad",
	ErrSlotIDInvalid:               "slot id invalid",
	ErrSessionHandleInvalid:        "session handle invalid",
	ErrObjectHandleInvalid:         "object handle invalid",
	ErrDeviceRemoved:               "device removed",
	ErrTokenNotPresent:             "token not present",
	ErrTokenNotRecognized:          "token not recognized",
	ErrDeviceError:                 "device error",
	ErrSessionParallelNotSupported: "session parallel not supported",
	ErrSessionReadWriteSOExists:    "read-write SO session exists",
	ErrSessionReadOnlyExists:       "read-only session exists",
	ErrSessionReadOnly:             "session read-only",
	ErrUserTypeInvalid:             "user type invalid",
	ErrUserAlreadyLoggedIn:         "user already logged in",
	ErrUserNotLoggedIn:             "user not logged in",
	ErrUserPINNotInitialized:       "user PIN not initialized",
	ErrAttributeTypeInvalid:        "attribute type invalid",
	ErrAttributeSensitive:          "attribute sensitive",
	ErrBufferTooSmall:              "buffer too small",
	ErrTemplateIncomplete:          "template incomplete",
	ErrTemplateInconsistent:        "template inconsistent",
	ErrAttributeValueInvalid:       "attribute value invalid",
	ErrHostMemory:                  "host memory",
	ErrFunctionNotSupported:        "function not supported",
	ErrFunctionFailed:              "function failed",
	ErrTemplateNotFound:            "template not found",
	ErrTemplateMalformed:           "template malformed",
	ErrTemplateVersionUnsupported:  "template version unsupported",
	ErrUnsupportedKeySize:          "unsupported key size",
	ErrTimeOutOfRange:              "time out of range",
	ErrHashLengthUnsupported:       "hash length unsupported",
}

func (k Kind) String() string {
	if s, ok := kindText[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// CKError is the error type returned across the whole public surface of
// schsm11. Cause, when present, is the underlying transport or card
// error that triggered this Kind.
type CKError struct {
	Kind  Kind
	Cause error
}

func (e *CKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *CKError) Unwrap() error { return e.Cause }

// newErr builds a CKError with no underlying cause.
func newErr(k Kind) error {
	return &CKError{Kind: k}
}

// wrapErr builds a CKError wrapping cause with an explanatory message.
func wrapErr(k Kind, cause error, msg string) error {
	return &CKError{Kind: k, Cause: errors.WithMessage(cause, msg)}
}

// KindOf extracts the Kind from err if it is (or wraps) a *CKError, and
// reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var ck *CKError
	if errors.As(err, &ck) {
		return ck.Kind, true
	}
	return ErrOK, false
}

// Is reports whether err is (or wraps) a *CKError carrying k.
func Is(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

// NotSupported builds an ErrFunctionNotSupported CKError naming the
// unimplemented action, for callers (such as cmd/schsm11-tool) outside
// this package that stub out an administrative operation.
func NotSupported(action string) error {
	return wrapErr(ErrFunctionNotSupported, errors.New(action), "not supported")
}
