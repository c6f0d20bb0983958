// Package docmodel extracts typed fields from a JSON document into a
// destination record, driven by a declarative table of field descriptors.
//
// A Model declares up to MaxFields fields. Each field names a dotted key
// path (array elements as name[i]), whether it is required, where the
// value is stored and how it is decoded. Parsing walks every key/value
// pair of the document; keys the model does not declare are ignored.
// A successful parse guarantees every required field was received.
//
// A Model tracks the received set of the most recent parse and is not
// safe for concurrent parses.
package docmodel

import (
	"errors"
	"fmt"
	"math/bits"
)

// MaxFields is the largest number of fields one Model may declare.
// The required and received sets are 32-bit masks.
const MaxFields = 32

// Default destination capacities in bytes.
const (
	// DefaultMaxStringLen bounds StringCopy values.
	DefaultMaxStringLen = 256
	// DefaultMaxArrayLen bounds ArrayCopy values.
	DefaultMaxArrayLen = 1024
	// MaxSignatureLen bounds decoded SigBase64 values.
	MaxSignatureLen = 384
)

// FieldType declares how a value is decoded and stored.
type FieldType int

// Field types. The set is closed.
const (
	// StringCopy copies a JSON string into a *string, bounded by MaxLen.
	StringCopy FieldType = iota + 1
	// StringInDoc stores the raw, still-escaped string bytes into a *[]byte
	// without copying them into bounded storage.
	StringInDoc
	// Object stores the raw object bytes into a *[]byte and descends into it.
	Object
	// Array stores the raw array bytes into a *[]byte and descends into it.
	Array
	// UInt32 parses a JSON number into a *uint32.
	UInt32
	// SigBase64 decodes a base64 JSON string into a *[]byte.
	SigBase64
	// Ident records presence in a *bool. Any JSON type is accepted and
	// repeated keys overwrite.
	Ident
	// ArrayCopy copies the raw array bytes into a *[]byte, bounded by MaxLen.
	ArrayCopy
)

func (t FieldType) String() string {
	switch t {
	case StringCopy:
		return "string_copy"
	case StringInDoc:
		return "string_in_doc"
	case Object:
		return "object"
	case Array:
		return "array"
	case UInt32:
		return "uint32"
	case SigBase64:
		return "sig_base64"
	case Ident:
		return "ident"
	case ArrayCopy:
		return "array_copy"
	default:
		return fmt.Sprintf("field_type(%d)", int(t))
	}
}

func (t FieldType) valid() bool {
	return t >= StringCopy && t <= ArrayCopy
}

// allowsDuplicates reports whether a repeated key may overwrite.
func (t FieldType) allowsDuplicates() bool {
	return t == Ident
}

// destKind discriminates Destination variants.
type destKind int

const (
	destDiscard destKind = iota
	destContext
	destSingleton
)

// Destination says where a field's value goes: a field of the record
// being parsed, a fixed caller-owned location, or nowhere.
type Destination[T any] struct {
	kind     destKind
	accessor func(*T) any
	ptr      any
}

// InContext stores into the record passed to Parse. The accessor returns
// a pointer to the target field of that record.
func InContext[T any](accessor func(*T) any) Destination[T] {
	return Destination[T]{kind: destContext, accessor: accessor}
}

// Singleton stores into ptr regardless of the record passed to Parse.
func Singleton[T any](ptr any) Destination[T] {
	return Destination[T]{kind: destSingleton, ptr: ptr}
}

// Discard only records presence.
func Discard[T any]() Destination[T] {
	return Destination[T]{kind: destDiscard}
}

// resolve returns the target pointer, or nil for Discard.
func (d Destination[T]) resolve(rec *T) any {
	switch d.kind {
	case destContext:
		return d.accessor(rec)
	case destSingleton:
		return d.ptr
	default:
		return nil
	}
}

// Field is one entry of a Model's field table.
type Field[T any] struct {
	// Key is the dotted path, e.g. "execution.jobDocument.afr_ota.files[0].filepath".
	Key string
	// Required fields must be present for Parse to succeed.
	Required bool
	// Dest is where the value is stored.
	Dest Destination[T]
	// Type declares decoding and storage.
	Type FieldType
	// MaxLen overrides the default capacity for StringCopy, ArrayCopy and SigBase64.
	MaxLen int
}

func (f *Field[T]) capacity() int {
	if f.MaxLen > 0 {
		return f.MaxLen
	}
	switch f.Type {
	case StringCopy:
		return DefaultMaxStringLen
	case ArrayCopy:
		return DefaultMaxArrayLen
	case SigBase64:
		return MaxSignatureLen
	default:
		return 0
	}
}

// Model is a validated field table plus its required and received masks.
type Model[T any] struct {
	fields   []Field[T]
	required uint32
	received uint32
}

// NewModel validates fields and builds a Model.
//
// Errors (all *ParseError):
//   - ErrNullBodyPointer: no fields
//   - ErrTooManyParams: more than MaxFields fields
//   - ErrInvalidModelParamType: unknown type, missing accessor, or a
//     Singleton pointer of the wrong Go type
func NewModel[T any](fields []Field[T]) (*Model[T], error) {
	m := &Model[T]{fields: fields}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	for i := range fields {
		if fields[i].Required {
			m.required |= 1 << uint(i)
		}
	}
	return m, nil
}

// MustNewModel is NewModel for package-level tables; it panics on error.
func MustNewModel[T any](fields []Field[T]) *Model[T] {
	m, err := NewModel(fields)
	if err != nil {
		panic(err)
	}
	return m
}

// Validate checks the field table. Parse calls it again so a Model built
// without NewModel is still rejected.
func (m *Model[T]) Validate() error {
	if len(m.fields) == 0 {
		return newError(ErrNullBodyPointer, "", nil)
	}
	if len(m.fields) > MaxFields {
		return newError(ErrTooManyParams, "", fmt.Errorf("%d fields, max %d", len(m.fields), MaxFields))
	}
	for i := range m.fields {
		f := &m.fields[i]
		if !f.Type.valid() {
			return newError(ErrInvalidModelParamType, f.Key, fmt.Errorf("unknown type %d", int(f.Type)))
		}
		switch f.Dest.kind {
		case destContext:
			if f.Dest.accessor == nil {
				return newError(ErrInvalidModelParamType, f.Key, errors.New("nil accessor"))
			}
		case destSingleton:
			if !fits(f.Type, f.Dest.ptr) {
				return newError(ErrInvalidModelParamType, f.Key,
					fmt.Errorf("%T cannot hold %s", f.Dest.ptr, f.Type))
			}
		}
	}
	return nil
}

// fits reports whether ptr is the Go pointer type a field type stores into.
func fits(t FieldType, ptr any) bool {
	switch t {
	case StringCopy:
		p, ok := ptr.(*string)
		return ok && p != nil
	case UInt32:
		p, ok := ptr.(*uint32)
		return ok && p != nil
	case Ident:
		p, ok := ptr.(*bool)
		return ok && p != nil
	case StringInDoc, Object, Array, SigBase64, ArrayCopy:
		p, ok := ptr.(*[]byte)
		return ok && p != nil
	default:
		return false
	}
}

// usesContext reports whether any field stores into the parse record.
func (m *Model[T]) usesContext() bool {
	for i := range m.fields {
		if m.fields[i].Dest.kind == destContext {
			return true
		}
	}
	return false
}

// indexOf returns the first field whose key matches path exactly, or -1.
func (m *Model[T]) indexOf(path string) int {
	for i := range m.fields {
		if m.fields[i].Key == path {
			return i
		}
	}
	return -1
}

// RequiredMask returns the bit set of required fields, in table order.
func (m *Model[T]) RequiredMask() uint32 { return m.required }

// ReceivedMask returns the bit set of fields received by the last parse.
func (m *Model[T]) ReceivedMask() uint32 { return m.received }

// Len returns the number of declared fields.
func (m *Model[T]) Len() int { return len(m.fields) }

// Received reports whether key was present in the last parsed document.
// Returns ErrParamKeyNotInModel for keys the model does not declare.
func (m *Model[T]) Received(key string) (bool, error) {
	i := m.indexOf(key)
	if i < 0 {
		return false, newError(ErrParamKeyNotInModel, key, nil)
	}
	return m.received&(1<<uint(i)) != 0, nil
}

// Missing returns the keys of required fields not received by the last parse.
func (m *Model[T]) Missing() []string {
	missing := m.required &^ m.received
	keys := make([]string, 0, bits.OnesCount32(missing))
	for i := range m.fields {
		if missing&(1<<uint(i)) != 0 {
			keys = append(keys, m.fields[i].Key)
		}
	}
	return keys
}
