package docmodel

import (
	"errors"
	"fmt"
)

// Sentinel errors for parse failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrUnknown marks a code path that failed to classify its error.
	// It must never be observed.
	ErrUnknown = errors.New("unknown parse error")

	// ErrOutOfMemory indicates a value exceeded its destination capacity.
	ErrOutOfMemory = errors.New("destination capacity exceeded")

	// ErrFieldTypeMismatch indicates the JSON value type does not match the field type.
	ErrFieldTypeMismatch = errors.New("field type mismatch")

	// ErrBase64Decode indicates an undecodable base64 signature.
	ErrBase64Decode = errors.New("base64 decode failed")

	// ErrInvalidNumChar indicates a value that is not an unsigned 32-bit integer.
	ErrInvalidNumChar = errors.New("invalid numeric value")

	// ErrDuplicatesNotAllowed indicates a repeated key for a field that forbids overwrite.
	ErrDuplicatesNotAllowed = errors.New("duplicate key not allowed")

	// ErrMalformedDoc indicates a required field was not present.
	ErrMalformedDoc = errors.New("malformed document")

	// ErrInvalidJSONBuffer indicates the document is not a well-formed JSON object.
	ErrInvalidJSONBuffer = errors.New("invalid JSON")

	// ErrNullModelPointer indicates a nil model.
	ErrNullModelPointer = errors.New("nil document model")

	// ErrNullBodyPointer indicates a nil field table or a nil destination record.
	ErrNullBodyPointer = errors.New("nil model body")

	// ErrNullDocPointer indicates a nil or empty document.
	ErrNullDocPointer = errors.New("nil document")

	// ErrTooManyParams indicates more than MaxFields fields.
	ErrTooManyParams = errors.New("too many model parameters")

	// ErrParamKeyNotInModel indicates a lookup for a key the model does not declare.
	ErrParamKeyNotInModel = errors.New("key not in model")

	// ErrInvalidModelParamType indicates an unknown field type or a
	// destination whose Go type does not fit the field type.
	ErrInvalidModelParamType = errors.New("invalid model parameter type")
)

// ParseError wraps a classified parse failure with the key it occurred at.
type ParseError struct {
	// Kind is the sentinel error for classification (e.g., ErrMalformedDoc).
	Kind error
	// Key is the dotted path of the offending field, if any.
	Key string
	// Err is the underlying error, if any.
	Err error
}

func (e *ParseError) Error() string {
	msg := "docmodel"
	if e.Key != "" {
		msg += " " + e.Key
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *ParseError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

func newError(kind error, key string, err error) *ParseError {
	return &ParseError{Kind: kind, Key: key, Err: err}
}

// IsStructural returns true if err rejects the document itself rather
// than signalling a defect in the model or its caller.
func IsStructural(err error) bool {
	var pe *ParseError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Kind {
	case ErrNullModelPointer, ErrNullBodyPointer, ErrTooManyParams,
		ErrParamKeyNotInModel, ErrInvalidModelParamType, ErrUnknown:
		return false
	default:
		return true
	}
}
