// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bsoncore

import (
	"bytes"
	"fmt"
)

// Array is a raw bytes representation of a BSON array. An array shares its wire encoding with a
// document whose keys are the string indexes "0", "1", "2", ...
type Array []byte

// DebugString outputs a human readable version of Array. It will attempt to stringify the
// valid components of the array even if the entire array is not valid.
func (a Array) DebugString() string {
	if len(a) < 5 {
		return "<malformed>"
	}
	var buf bytes.Buffer
	buf.WriteString("Array")
	length, rem, _ := ReadLength(a) // We know we have enough bytes to read the length
	buf.WriteByte('(')
	fmt.Fprintf(&buf, "%d", length)
	length -= 4
	buf.WriteString(")[")
	var elem Element
	var ok bool
	first := true
	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		length -= int32(len(elem))
		if !ok {
			buf.WriteString(fmt.Sprintf("<malformed (%d)>", length))
			break
		}
		if !first {
			buf.WriteByte(' ')
		}
		buf.WriteString(elem.DebugString())
		first = false
	}
	buf.WriteByte(']')

	return buf.String()
}

// String outputs a JSON-ish rendering of the Array. If the Array is not valid, this method
// returns an empty string.
func (a Array) String() string {
	if len(a) < 5 {
		return ""
	}
	var buf bytes.Buffer
	buf.WriteByte('[')

	length, rem, _ := ReadLength(a)
	length -= 4

	var elem Element
	var ok bool
	first := true
	for length > 1 {
		if !first {
			buf.WriteByte(',')
		}
		elem, rem, ok = ReadElement(rem)
		length -= int32(len(elem))
		if !ok {
			return ""
		}
		buf.WriteString(elem.Value().String())
		first = false
	}
	buf.WriteByte(']')

	return buf.String()
}

// Values returns this array as a slice of values. The returned slice will contain valid values.
// If the array is not valid, the values up to the invalid point will be returned along with an
// error.
func (a Array) Values() ([]Value, error) {
	return Document(a).valuesInOrder()
}

// Validate validates the array and ensures the elements contained within are valid.
func (a Array) Validate() error {
	return Document(a).Validate()
}

// valuesInOrder returns the top-level values of a document, preserving encounter order.
func (d Document) valuesInOrder() ([]Value, error) {
	elems, err := d.Elements()
	if err != nil {
		return nil, err
	}
	values := make([]Value, 0, len(elems))
	for _, elem := range elems {
		values = append(values, elem.Value())
	}
	return values, nil
}
