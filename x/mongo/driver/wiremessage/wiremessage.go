// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wiremessage implements the subset of the MongoDB wire protocol this driver speaks:
// OP_MSG (opcode 2013) and OP_COMPRESSED (opcode 2012). Earlier opcodes (OP_QUERY, OP_REPLY,
// OP_GET_MORE, ...) are intentionally unsupported; the driver requires wire version >= 6.
package wiremessage

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
)

// OpCode represents a MongoDB wire protocol opcode.
type OpCode int32

// Supported opcodes.
const (
	OpCompressed OpCode = 2012
	OpMsg        OpCode = 2013
)

// MsgFlag represents the flag bits of an OP_MSG message.
type MsgFlag uint32

// OP_MSG flag bits.
const (
	ChecksumPresent MsgFlag = 1 << 0
	MoreToCome      MsgFlag = 1 << 1
	ExhaustAllowed  MsgFlag = 1 << 16
)

// SectionType represents the type byte prefixing a section of an OP_MSG body.
type SectionType uint8

// OP_MSG section kinds.
const (
	SingleDocument  SectionType = 0
	DocumentSequence SectionType = 1
)

// CompressorID identifies a negotiated wire-level compressor.
type CompressorID uint8

// Compressor IDs, matching OP_COMPRESSED's wire encoding.
const (
	CompressorNoop   CompressorID = 0
	CompressorSnappy CompressorID = 1
	CompressorZLib   CompressorID = 2
	CompressorZstd   CompressorID = 3
)

var globalRequestID int32

// NextRequestID returns the next request ID that should be used for a message. This is a
// package-global, monotonically-increasing counter shared by every connection in the process.
func NextRequestID() int32 {
	return atomic.AddInt32(&globalRequestID, 1)
}

// ErrMalformedMessage indicates an OP_MSG/OP_COMPRESSED frame could not be parsed.
var ErrMalformedMessage = errors.New("malformed wire message")

// Header is the 16-byte prefix on every MongoDB wire message.
type Header struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32
	OpCode        OpCode
}

// AppendHeader appends a message header with a zeroed length (to be filled in later via
// SetLength) onto dst, returning the index of the length field.
func AppendHeader(dst []byte, requestID, responseTo int32, opcode OpCode) (int32, []byte) {
	idx := int32(len(dst))
	dst = appendi32(dst, 0) // messageLength, patched by SetLength
	dst = appendi32(dst, requestID)
	dst = appendi32(dst, responseTo)
	dst = appendi32(dst, int32(opcode))
	return idx, dst
}

// SetLength backfills the messageLength field of a header written at idx.
func SetLength(dst []byte, idx int32, length int32) {
	binary.LittleEndian.PutUint32(dst[idx:], uint32(length))
}

// ReadHeader reads a message header from the front of src.
func ReadHeader(src []byte) (Header, []byte, bool) {
	if len(src) < 16 {
		return Header{}, src, false
	}
	return Header{
		MessageLength: readi32(src[0:4]),
		RequestID:     readi32(src[4:8]),
		ResponseTo:    readi32(src[8:12]),
		OpCode:        OpCode(readi32(src[12:16])),
	}, src[16:], true
}

func appendi32(dst []byte, v int32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func readi32(src []byte) int32 {
	return int32(binary.LittleEndian.Uint32(src))
}

// AppendMsgFlags appends the 4-byte OP_MSG flag bits.
func AppendMsgFlags(dst []byte, flags MsgFlag) []byte {
	return appendi32(dst, int32(flags))
}

// ReadMsgFlags reads the 4-byte OP_MSG flag bits from the front of src.
func ReadMsgFlags(src []byte) (MsgFlag, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return MsgFlag(readi32(src[0:4])), src[4:], true
}

// AppendMsgSectionType appends a one-byte section type.
func AppendMsgSectionType(dst []byte, t SectionType) []byte {
	return append(dst, byte(t))
}

// ReadMsgSectionType reads a one-byte section type from the front of src.
func ReadMsgSectionType(src []byte) (SectionType, []byte, bool) {
	if len(src) < 1 {
		return 0, src, false
	}
	return SectionType(src[0]), src[1:], true
}

// AppendMsgSectionSingleDocument appends the bytes of a section-0 (single document) payload.
func AppendMsgSectionSingleDocument(dst []byte, doc []byte) []byte {
	return append(dst, doc...)
}

// ReadMsgSectionSingleDocument reads a single BSON document off the front of src, per its own
// embedded length prefix.
func ReadMsgSectionSingleDocument(src []byte) ([]byte, []byte, bool) {
	if len(src) < 4 {
		return nil, src, false
	}
	length := readi32(src[0:4])
	if int(length) > len(src) || length < 5 {
		return nil, src, false
	}
	return src[:length], src[length:], true
}

// AppendMsgSectionDocumentSequence appends a section-1 (document sequence) payload: a 4-byte
// section size, a null-terminated identifier, and the concatenated documents.
func AppendMsgSectionDocumentSequence(dst []byte, identifier string, docs [][]byte) []byte {
	idx := len(dst)
	dst = appendi32(dst, 0)
	dst = append(dst, identifier...)
	dst = append(dst, 0x00)
	for _, doc := range docs {
		dst = append(dst, doc...)
	}
	binary.LittleEndian.PutUint32(dst[idx:], uint32(len(dst)-idx))
	return dst
}

// ReadMsgSectionDocumentSequence reads a section-1 payload off the front of src, returning the
// sequence identifier and the constituent documents.
func ReadMsgSectionDocumentSequence(src []byte) (string, [][]byte, []byte, bool) {
	if len(src) < 4 {
		return "", nil, src, false
	}
	size := readi32(src[0:4])
	if int(size) > len(src) || size < 5 {
		return "", nil, src, false
	}
	section := src[4:size]
	rest := src[size:]

	nul := -1
	for i, b := range section {
		if b == 0x00 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return "", nil, src, false
	}
	identifier := string(section[:nul])
	body := section[nul+1:]

	var docs [][]byte
	for len(body) > 0 {
		if len(body) < 4 {
			return "", nil, src, false
		}
		docLen := readi32(body[0:4])
		if int(docLen) > len(body) || docLen < 5 {
			return "", nil, src, false
		}
		docs = append(docs, body[:docLen])
		body = body[docLen:]
	}

	return identifier, docs, rest, true
}
