// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package bsoncore is the BSON boundary type used by the rest of this
// module. Encoding and decoding of application-level BSON documents is an
// external collaborator's concern; this package only deals with BSON as
// length-prefixed bytes so that the wire codec, the executor, and the
// session manager can build and inspect command documents without a
// dependency on a full object-document mapper.
package bsoncore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// BSON element type tags, as defined by the BSON spec.
const (
	TypeDouble          byte = 0x01
	TypeString          byte = 0x02
	TypeEmbeddedDocument byte = 0x03
	TypeArray           byte = 0x04
	TypeBinary          byte = 0x05
	TypeBoolean         byte = 0x08
	TypeDateTime        byte = 0x09
	TypeNull            byte = 0x0A
	TypeInt32           byte = 0x10
	TypeTimestamp       byte = 0x11
	TypeInt64           byte = 0x12
)

// ErrMissingNull is returned when a document or array does not end with a null byte.
var ErrMissingNull = errors.New("document or array does not end with a null byte")

// Document is a raw bytes representation of a BSON document.
type Document []byte

// NewDocumentBuilder creates an empty document with the length bytes reserved.
func NewDocumentBuilder() []byte {
	idx, doc := AppendDocumentStart(nil)
	_ = idx
	return doc
}

// ReadLength reads the length of a BSON document or array from the front of src.
func ReadLength(src []byte) (int32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return int32(binary.LittleEndian.Uint32(src)), src[4:], true
}

// Validate walks the document to ensure every element is structurally sound and that the
// document is terminated with a null byte.
func (d Document) Validate() error {
	length, rem, ok := ReadLength(d)
	if !ok {
		return NewInsufficientBytesError(d, rem)
	}
	if int(length) > len(d) || length < 5 {
		return lengthError("document", int(length), len(d))
	}
	if d[length-1] != 0x00 {
		return ErrMissingNull
	}

	rem = rem[:length-4]
	for len(rem) > 1 {
		var elem Element
		var ok bool
		elem, rem, ok = ReadElement(rem)
		if !ok {
			return NewInsufficientBytesError(d, rem)
		}
		if err := elem.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Elements returns the elements of the document in order. The document is assumed valid.
func (d Document) Elements() ([]Element, error) {
	length, rem, ok := ReadLength(d)
	if !ok {
		return nil, NewInsufficientBytesError(d, rem)
	}
	if int(length) > len(d) {
		return nil, lengthError("document", int(length), len(d))
	}
	rem = rem[:length-4]
	var elems []Element
	for len(rem) > 1 {
		var elem Element
		var ok bool
		elem, rem, ok = ReadElement(rem)
		if !ok {
			return nil, NewInsufficientBytesError(d, rem)
		}
		elems = append(elems, elem)
	}
	return elems, nil
}

// Lookup searches the top level of the document for a key and returns its value. It returns a
// zero Value if the key is missing or the document is malformed; use LookupErr to get the error.
func (d Document) Lookup(key string) Value {
	v, err := d.LookupErr(key)
	if err != nil {
		return Value{}
	}
	return v
}

// LookupErr searches the top level of the document for a key and returns its value.
func (d Document) LookupErr(key string) (Value, error) {
	elems, err := d.Elements()
	if err != nil {
		return Value{}, err
	}
	for _, elem := range elems {
		if elem.Key() == key {
			return elem.Value(), nil
		}
	}
	return Value{}, fmt.Errorf("key %q not found in document", key)
}

// String returns a best-effort extended-JSON-ish debug representation.
func (d Document) String() string {
	elems, err := d.Elements()
	if err != nil {
		return "<malformed>"
	}
	out := "{"
	for i, e := range elems {
		if i > 0 {
			out += ","
		}
		out += e.Key() + ":" + e.Value().String()
	}
	return out + "}"
}

// Element is a raw bytes representation of a BSON element (type tag + key + value).
type Element []byte

// Key returns the element's key.
func (e Element) Key() string {
	// skip the type byte
	i := 1
	for ; i < len(e); i++ {
		if e[i] == 0x00 {
			break
		}
	}
	return string(e[1:i])
}

// Value returns the element's value.
func (e Element) Value() Value {
	i := 1
	for ; i < len(e); i++ {
		if e[i] == 0x00 {
			break
		}
	}
	return Value{Type: e[0], Data: e[i+1:]}
}

// Validate validates the shape of the element by decoding its value.
func (e Element) Validate() error {
	if len(e) < 2 {
		return errors.New("element too short")
	}
	v := e.Value()
	return v.validate()
}

// DebugString is an alias for a human-readable rendering, used in Array.DebugString et al.
func (e Element) DebugString() string {
	return e.Key() + ":" + e.Value().String()
}

func (e Element) String() string {
	return e.DebugString()
}

// Value is a BSON value: a type tag plus its raw encoded bytes.
type Value struct {
	Type byte
	Data []byte
}

func (v Value) validate() error {
	switch v.Type {
	case TypeEmbeddedDocument, TypeArray:
		return Document(v.Data).Validate()
	case TypeString:
		if len(v.Data) < 4 {
			return errors.New("malformed string value")
		}
	}
	return nil
}

// StringValueOK returns the value as a string if it is a BSON string.
func (v Value) StringValueOK() (string, bool) {
	if v.Type != TypeString || len(v.Data) < 5 {
		return "", false
	}
	n := int32(binary.LittleEndian.Uint32(v.Data))
	if int(n) > len(v.Data)-4 || n < 1 {
		return "", false
	}
	return string(v.Data[4 : 4+n-1]), true
}

// StringValue panics if the value is not a string.
func (v Value) StringValue() string {
	s, ok := v.StringValueOK()
	if !ok {
		panic("not a string value")
	}
	return s
}

// DocumentOK returns the value as a Document if it is an embedded document.
func (v Value) DocumentOK() (Document, bool) {
	if v.Type != TypeEmbeddedDocument {
		return nil, false
	}
	return Document(v.Data), true
}

// ArrayOK returns the value as an Array if it is a BSON array.
func (v Value) ArrayOK() (Array, bool) {
	if v.Type != TypeArray {
		return nil, false
	}
	return Array(v.Data), true
}

// Int32OK returns the value as an int32 if it is a BSON int32.
func (v Value) Int32OK() (int32, bool) {
	if v.Type != TypeInt32 || len(v.Data) < 4 {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(v.Data)), true
}

// Int64OK returns the value as an int64 if it is a BSON int64.
func (v Value) Int64OK() (int64, bool) {
	if v.Type != TypeInt64 || len(v.Data) < 8 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(v.Data)), true
}

// AsInt64OK coerces numeric BSON types (int32, int64, double) to an int64.
func (v Value) AsInt64OK() (int64, bool) {
	switch v.Type {
	case TypeInt32:
		i, ok := v.Int32OK()
		return int64(i), ok
	case TypeInt64:
		return v.Int64OK()
	case TypeDouble:
		if len(v.Data) < 8 {
			return 0, false
		}
		bits := binary.LittleEndian.Uint64(v.Data)
		return int64(math.Float64frombits(bits)), true
	}
	return 0, false
}

// BooleanOK returns the value as a bool if it is a BSON boolean.
func (v Value) BooleanOK() (bool, bool) {
	if v.Type != TypeBoolean || len(v.Data) < 1 {
		return false, false
	}
	return v.Data[0] == 0x01, true
}

// BinaryOK returns the subtype and data of the value if it is BSON binary (any subtype).
func (v Value) BinaryOK() (subtype byte, data []byte, ok bool) {
	if v.Type != TypeBinary || len(v.Data) < 5 {
		return 0, nil, false
	}
	n := int32(binary.LittleEndian.Uint32(v.Data))
	if int(n) < 0 || 5+int(n) > len(v.Data) {
		return 0, nil, false
	}
	return v.Data[4], v.Data[5 : 5+int(n)], true
}

// Timestamp returns the (t, i) pair of a BSON timestamp value. Callers must check Type first.
func (v Value) Timestamp() (uint32, uint32) {
	if len(v.Data) < 8 {
		return 0, 0
	}
	i := binary.LittleEndian.Uint32(v.Data[0:4])
	t := binary.LittleEndian.Uint32(v.Data[4:8])
	return t, i
}

// TimestampOK returns the (t, i) pair of the value if it is a BSON timestamp.
func (v Value) TimestampOK() (t, i uint32, ok bool) {
	if v.Type != TypeTimestamp || len(v.Data) < 8 {
		return 0, 0, false
	}
	t, i = v.Timestamp()
	return t, i, true
}

func (v Value) String() string {
	switch v.Type {
	case TypeString:
		s, _ := v.StringValueOK()
		return fmt.Sprintf("%q", s)
	case TypeInt32:
		i, _ := v.Int32OK()
		return fmt.Sprintf("%d", i)
	case TypeInt64:
		i, _ := v.Int64OK()
		return fmt.Sprintf("%d", i)
	case TypeBoolean:
		b, _ := v.BooleanOK()
		return fmt.Sprintf("%t", b)
	case TypeEmbeddedDocument:
		return Document(v.Data).String()
	case TypeArray:
		return Array(v.Data).String()
	case TypeNull:
		return "null"
	default:
		return fmt.Sprintf("<%d bytes of type 0x%02x>", len(v.Data), v.Type)
	}
}

// ReadElement reads a single element off the front of src, returning the element, the
// remaining bytes, and whether the read succeeded.
func ReadElement(src []byte) (Element, []byte, bool) {
	if len(src) < 2 {
		return nil, src, false
	}
	t := src[0]
	i := 1
	for ; i < len(src); i++ {
		if src[i] == 0x00 {
			break
		}
	}
	if i >= len(src) {
		return nil, src, false
	}
	valStart := i + 1
	valLen, ok := valueLength(t, src[valStart:])
	if !ok {
		return nil, src, false
	}
	end := valStart + valLen
	if end > len(src) {
		return nil, src, false
	}
	return Element(src[:end]), src[end:], true
}

func valueLength(t byte, src []byte) (int, bool) {
	switch t {
	case TypeDouble, TypeDateTime, TypeTimestamp, TypeInt64:
		return 8, len(src) >= 8
	case TypeInt32:
		return 4, len(src) >= 4
	case TypeBoolean:
		return 1, len(src) >= 1
	case TypeNull:
		return 0, true
	case TypeString:
		if len(src) < 4 {
			return 0, false
		}
		n := int32(binary.LittleEndian.Uint32(src))
		return 4 + int(n), len(src) >= 4+int(n)
	case TypeEmbeddedDocument, TypeArray:
		if len(src) < 4 {
			return 0, false
		}
		n := int32(binary.LittleEndian.Uint32(src))
		return int(n), len(src) >= int(n)
	case TypeBinary:
		if len(src) < 5 {
			return 0, false
		}
		n := int32(binary.LittleEndian.Uint32(src))
		return 5 + int(n), len(src) >= 5+int(n)
	default:
		return 0, false
	}
}

// NewInsufficientBytesError builds an error describing a truncated read of src, having rem bytes left.
func NewInsufficientBytesError(src, rem []byte) error {
	return fmt.Errorf("too few bytes to read: have %d, needed more than %d remaining", len(src), len(rem))
}

func lengthError(kind string, length, total int) error {
	return fmt.Errorf("invalid %s length %d for buffer of size %d", kind, length, total)
}

// --- append-style builders ---

// AppendDocumentStart reserves space for a document's length prefix and returns the index of
// that prefix (for AppendDocumentEnd) along with the buffer.
func AppendDocumentStart(dst []byte) (int32, []byte) {
	idx := int32(len(dst))
	return idx, append(dst, 0x00, 0x00, 0x00, 0x00)
}

// AppendDocumentEnd appends the terminating null byte and backfills the length prefix at idx.
func AppendDocumentEnd(dst []byte, idx int32) ([]byte, error) {
	dst = append(dst, 0x00)
	return UpdateLength(dst, idx, int32(len(dst))-idx), nil
}

// AppendArrayElementStart starts an array-valued element with the given key.
func AppendArrayElementStart(dst []byte, key string) (int32, []byte) {
	dst = AppendHeader(dst, TypeArray, key)
	return AppendDocumentStart(dst)
}

// AppendDocumentElementStart starts a document-valued element with the given key, for callers
// building up a nested document field by field rather than passing an already-built Document to
// AppendDocumentElement.
func AppendDocumentElementStart(dst []byte, key string) (int32, []byte) {
	dst = AppendHeader(dst, TypeEmbeddedDocument, key)
	return AppendDocumentStart(dst)
}

// AppendArrayEnd is an alias for AppendDocumentEnd; arrays and documents share encoding.
func AppendArrayEnd(dst []byte, idx int32) ([]byte, error) {
	return AppendDocumentEnd(dst, idx)
}

// UpdateLength backfills a 4-byte little-endian length prefix at idx.
func UpdateLength(dst []byte, idx, length int32) []byte {
	binary.LittleEndian.PutUint32(dst[idx:], uint32(length))
	return dst
}

// AppendHeader appends a type tag and a null-terminated key, leaving the value to be appended
// by the caller.
func AppendHeader(dst []byte, t byte, key string) []byte {
	dst = append(dst, t)
	dst = append(dst, key...)
	return append(dst, 0x00)
}

// AppendValueElement appends a complete element built from an already-decoded Value, used when
// forwarding an opaque value (e.g. a user-supplied comment) into a new document.
func AppendValueElement(dst []byte, key string, v Value) []byte {
	dst = AppendHeader(dst, v.Type, key)
	return append(dst, v.Data...)
}

// AppendStringElement appends a complete string-valued element.
func AppendStringElement(dst []byte, key, value string) []byte {
	dst = AppendHeader(dst, TypeString, key)
	return appendString(dst, value)
}

func appendString(dst []byte, value string) []byte {
	dst = append(dst, 0x00, 0x00, 0x00, 0x00)
	start := len(dst)
	dst = append(dst, value...)
	dst = append(dst, 0x00)
	binary.LittleEndian.PutUint32(dst[start-4:], uint32(len(dst)-start+1))
	return dst
}

// AppendInt32Element appends a complete int32-valued element.
func AppendInt32Element(dst []byte, key string, value int32) []byte {
	dst = AppendHeader(dst, TypeInt32, key)
	return appendInt32(dst, value)
}

func appendInt32(dst []byte, value int32) []byte {
	return append(dst, byte(value), byte(value>>8), byte(value>>16), byte(value>>24))
}

// AppendInt64Element appends a complete int64-valued element.
func AppendInt64Element(dst []byte, key string, value int64) []byte {
	dst = AppendHeader(dst, TypeInt64, key)
	return appendInt64(dst, value)
}

func appendInt64(dst []byte, value int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(value))
	return append(dst, b[:]...)
}

// AppendBooleanElement appends a complete bool-valued element.
func AppendBooleanElement(dst []byte, key string, value bool) []byte {
	dst = AppendHeader(dst, TypeBoolean, key)
	if value {
		return append(dst, 0x01)
	}
	return append(dst, 0x00)
}

// AppendBinaryElement appends a complete binary-valued (subtype 0x00) element.
func AppendBinaryElement(dst []byte, key string, value []byte) []byte {
	dst = AppendHeader(dst, TypeBinary, key)
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(value)))
	dst = append(dst, length[:]...)
	dst = append(dst, 0x00)
	return append(dst, value...)
}

// AppendDocumentElement appends a complete document-valued element from an already-encoded
// document's bytes.
func AppendDocumentElement(dst []byte, key string, value []byte) []byte {
	dst = AppendHeader(dst, TypeEmbeddedDocument, key)
	return append(dst, value...)
}

// AppendTimestampElement appends a complete BSON timestamp-valued element.
func AppendTimestampElement(dst []byte, key string, t, i uint32) []byte {
	dst = AppendHeader(dst, TypeTimestamp, key)
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:4], i)
	binary.LittleEndian.PutUint32(b[4:8], t)
	return append(dst, b[:]...)
}

// AppendNullElement appends a complete null-valued element.
func AppendNullElement(dst []byte, key string) []byte {
	return AppendHeader(dst, TypeNull, key)
}

// BuildDocument wraps AppendDocumentStart/End around a body-building callback.
func BuildDocument(dst []byte, body func([]byte) []byte) []byte {
	idx, dst := AppendDocumentStart(dst)
	dst = body(dst)
	dst, _ = AppendDocumentEnd(dst, idx)
	return dst
}
