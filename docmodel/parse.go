package docmodel

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Parse extracts the model's fields from doc into dest.
//
// The received mask is cleared first. Fields stored before a failure is
// detected stay stored; callers must discard dest on error.
//
// Errors (all *ParseError, match with errors.Is):
//   - ErrNullModelPointer, ErrNullBodyPointer, ErrNullDocPointer, ErrTooManyParams:
//     detected before the document is read
//   - ErrInvalidJSONBuffer: doc is not a single well-formed JSON object
//   - ErrFieldTypeMismatch, ErrDuplicatesNotAllowed, ErrInvalidNumChar,
//     ErrBase64Decode, ErrOutOfMemory: at the first offending key
//   - ErrMalformedDoc: a required field was absent
//   - ErrInvalidModelParamType: an accessor returned the wrong pointer type
func Parse[T any](m *Model[T], doc []byte, dest *T) error {
	if m == nil {
		return newError(ErrNullModelPointer, "", nil)
	}
	return m.Parse(doc, dest)
}

// Parse is the method form of Parse.
func (m *Model[T]) Parse(doc []byte, dest *T) error {
	if m == nil {
		return newError(ErrNullModelPointer, "", nil)
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if len(doc) == 0 {
		return newError(ErrNullDocPointer, "", nil)
	}
	if dest == nil && m.usesContext() {
		return newError(ErrNullBodyPointer, "", errors.New("nil destination record"))
	}

	m.received = 0
	p := &parser[T]{model: m, dest: dest}

	iter := jsoniter.ParseBytes(jsoniter.ConfigDefault, doc)
	if iter.WhatIsNext() != jsoniter.ObjectValue {
		return newError(ErrInvalidJSONBuffer, "", errors.New("document is not an object"))
	}
	ok := p.walkObject(iter, "")
	if p.err != nil {
		return p.err
	}
	if !ok {
		return newError(ErrInvalidJSONBuffer, "", iter.Error)
	}
	// Only whitespace may follow the top-level object.
	if iter.WhatIsNext() != jsoniter.InvalidValue || !errors.Is(iter.Error, io.EOF) {
		return newError(ErrInvalidJSONBuffer, "", errors.New("trailing data after document"))
	}

	if m.required&m.received != m.required {
		return newError(ErrMalformedDoc, "", fmt.Errorf("missing required fields %v", m.Missing()))
	}
	return nil
}

// iterError returns the iterator's error, treating a clean end of input as none.
func iterError(iter *jsoniter.Iterator) error {
	if iter.Error == nil || errors.Is(iter.Error, io.EOF) {
		return nil
	}
	return iter.Error
}

// parser holds the state of one Parse call.
type parser[T any] struct {
	model *Model[T]
	dest  *T
	err   error
	// opaque counts enclosing keys that contain a path separator. Nothing
	// below such a key can match a field: only exact paths match.
	opaque int
}

// walkObject returns false if the object was cut short, by a parse
// failure or by malformed input.
func (p *parser[T]) walkObject(iter *jsoniter.Iterator, prefix string) bool {
	return iter.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if strings.ContainsAny(key, ".[]") {
			p.opaque++
			defer func() { p.opaque-- }()
		}
		p.visit(it, path)
		return p.err == nil && it.Error == nil
	})
}

func (p *parser[T]) walkArray(iter *jsoniter.Iterator, prefix string) bool {
	i := 0
	return iter.ReadArrayCB(func(it *jsoniter.Iterator) bool {
		p.visit(it, prefix+"["+strconv.Itoa(i)+"]")
		i++
		return p.err == nil && it.Error == nil
	})
}

// visit consumes exactly one value at path.
func (p *parser[T]) visit(iter *jsoniter.Iterator, path string) {
	vt := iter.WhatIsNext()
	if vt == jsoniter.InvalidValue {
		p.err = newError(ErrInvalidJSONBuffer, path, iter.Error)
		return
	}
	idx := -1
	if p.opaque == 0 {
		idx = p.model.indexOf(path)
	}
	if idx < 0 {
		if err := p.descend(iter, vt, path); err != nil {
			p.err = err
		}
		return
	}

	f := &p.model.fields[idx]
	bit := uint32(1) << uint(idx)

	if !accepts(f.Type, vt) {
		p.err = newError(ErrFieldTypeMismatch, path, fmt.Errorf("%s value for %s field", valueTypeName(vt), f.Type))
		return
	}
	if p.model.received&bit != 0 && !f.Type.allowsDuplicates() {
		p.err = newError(ErrDuplicatesNotAllowed, path, nil)
		return
	}

	target := f.Dest.resolve(p.dest)
	if target != nil && !fits(f.Type, target) {
		p.err = newError(ErrInvalidModelParamType, path, fmt.Errorf("%T cannot hold %s", target, f.Type))
		return
	}

	if err := p.extract(iter, f, vt, path, target); err != nil {
		p.err = err
		return
	}
	p.model.received |= bit
}

// extract reads the value and stores it per f.Type. target is nil for Discard.
func (p *parser[T]) extract(iter *jsoniter.Iterator, f *Field[T], vt jsoniter.ValueType, path string, target any) error {
	switch f.Type {
	case StringCopy:
		s := iter.ReadString()
		if len(s) > f.capacity() {
			return newError(ErrOutOfMemory, path, fmt.Errorf("%d bytes, capacity %d", len(s), f.capacity()))
		}
		if target != nil {
			*target.(*string) = s
		}

	case StringInDoc:
		raw := iter.SkipAndReturnBytes()
		if len(raw) >= 2 && target != nil {
			*target.(*[]byte) = raw[1 : len(raw)-1]
		}

	case UInt32:
		n := iter.ReadNumber()
		v, err := strconv.ParseUint(string(n), 10, 32)
		if err != nil {
			return newError(ErrInvalidNumChar, path, err)
		}
		if target != nil {
			*target.(*uint32) = uint32(v)
		}

	case SigBase64:
		s := iter.ReadString()
		if base64.StdEncoding.DecodedLen(len(s)) > f.capacity()+2 {
			return newError(ErrOutOfMemory, path, fmt.Errorf("encoded length %d exceeds capacity %d", len(s), f.capacity()))
		}
		sig, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return newError(ErrBase64Decode, path, err)
		}
		if len(sig) > f.capacity() {
			return newError(ErrOutOfMemory, path, fmt.Errorf("%d bytes, capacity %d", len(sig), f.capacity()))
		}
		if target != nil {
			*target.(*[]byte) = sig
		}

	case Ident:
		if target != nil {
			*target.(*bool) = true
		}
		return p.descend(iter, vt, path)

	case Object, Array, ArrayCopy:
		raw := iter.SkipAndReturnBytes()
		if err := iterError(iter); err != nil {
			return newError(ErrInvalidJSONBuffer, path, err)
		}
		if f.Type == ArrayCopy && len(raw) > f.capacity() {
			return newError(ErrOutOfMemory, path, fmt.Errorf("%d bytes, capacity %d", len(raw), f.capacity()))
		}
		if target != nil {
			*target.(*[]byte) = raw
		}
		return p.descendRaw(raw, vt, path)
	}

	if err := iterError(iter); err != nil {
		return newError(ErrInvalidJSONBuffer, path, err)
	}
	return nil
}

// descend walks into a container value in place, or skips a scalar.
func (p *parser[T]) descend(iter *jsoniter.Iterator, vt jsoniter.ValueType, path string) error {
	ok := true
	switch vt {
	case jsoniter.ObjectValue:
		ok = p.walkObject(iter, path)
	case jsoniter.ArrayValue:
		ok = p.walkArray(iter, path)
	default:
		iter.Skip()
	}
	if p.err != nil {
		return p.err
	}
	if !ok {
		return newError(ErrInvalidJSONBuffer, path, iter.Error)
	}
	if err := iterError(iter); err != nil {
		return newError(ErrInvalidJSONBuffer, path, err)
	}
	return nil
}

// descendRaw walks a captured container so nested fields can match.
func (p *parser[T]) descendRaw(raw []byte, vt jsoniter.ValueType, path string) error {
	sub := jsoniter.ParseBytes(jsoniter.ConfigDefault, raw)
	return p.descend(sub, vt, path)
}

// accepts reports whether a JSON value type may be stored as t.
func accepts(t FieldType, vt jsoniter.ValueType) bool {
	switch t {
	case StringCopy, StringInDoc, SigBase64:
		return vt == jsoniter.StringValue
	case UInt32:
		return vt == jsoniter.NumberValue
	case Object:
		return vt == jsoniter.ObjectValue
	case Array, ArrayCopy:
		return vt == jsoniter.ArrayValue
	case Ident:
		return vt != jsoniter.InvalidValue
	default:
		return false
	}
}

func valueTypeName(vt jsoniter.ValueType) string {
	switch vt {
	case jsoniter.StringValue:
		return "string"
	case jsoniter.NumberValue:
		return "number"
	case jsoniter.NilValue:
		return "null"
	case jsoniter.BoolValue:
		return "bool"
	case jsoniter.ArrayValue:
		return "array"
	case jsoniter.ObjectValue:
		return "object"
	default:
		return "invalid"
	}
}
