// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"encoding/binary"
	"fmt"

	"github.com/driftlane/mgdriver/x/bsonx/bsoncore"
	"github.com/driftlane/mgdriver/x/mongo/driver/wiremessage"
)

// reservedCommandBufferBytes is the amount of headroom the driver reserves inside
// maxMessageSizeBytes for command overhead (lsid, $clusterTime, ...) when deciding whether a
// section-1 payload needs to be split further.
const reservedCommandBufferBytes = 16 * 1000

// DocumentSequence is an oversized array (e.g. "documents", "updates", "deletes") that the codec
// may ship as an OP_MSG section-1 payload instead of inline in the command body.
type DocumentSequence struct {
	Identifier string
	Documents  []bsoncore.Document
}

// ErrDocumentTooLarge is returned when a single document exceeds the server's maxBsonObjectSize.
var ErrDocumentTooLarge = fmt.Errorf("an inserted document is too large")

// SplitDocumentSequence splits docs so the returned batch plus the base command body fits
// within targetBatchSize bytes and maxCount documents, returning the remainder for a follow-up
// command. This is what lets the Wire Codec honor maxBsonObjectSize/maxMessageSizeBytes while
// preserving server-visible batch semantics (§4.1).
func SplitDocumentSequence(docs []bsoncore.Document, maxCount, targetBatchSize int) (batch, remaining []bsoncore.Document, err error) {
	if targetBatchSize > reservedCommandBufferBytes {
		targetBatchSize -= reservedCommandBufferBytes
	}
	if maxCount <= 0 {
		maxCount = 1
	}

	size := 0
	splitAfter := 0
	for _, doc := range docs {
		if len(doc) > targetBatchSize {
			return nil, nil, ErrDocumentTooLarge
		}
		if splitAfter >= maxCount || size+len(doc) > targetBatchSize {
			break
		}
		size += len(doc)
		splitAfter++
	}
	if splitAfter == 0 && len(docs) > 0 {
		splitAfter = 1
	}

	return docs[:splitAfter], docs[splitAfter:], nil
}

// EncodeCommand builds a complete OP_MSG wire message for command, optionally carrying one or
// more section-1 document sequences, and optionally wrapping the result in OP_COMPRESSED when
// opts names an eligible compressor and cmdName is not an authentication/handshake command.
func EncodeCommand(requestID int32, cmdName string, command bsoncore.Document, sequences []DocumentSequence, opts *CompressionOpts) ([]byte, error) {
	var flags wiremessage.MsgFlag
	idx, dst := wiremessage.AppendHeader(nil, requestID, 0, wiremessage.OpMsg)
	dst = wiremessage.AppendMsgFlags(dst, flags)
	dst = wiremessage.AppendMsgSectionType(dst, wiremessage.SingleDocument)
	dst = wiremessage.AppendMsgSectionSingleDocument(dst, command)

	for _, seq := range sequences {
		if len(seq.Documents) == 0 {
			continue
		}
		dst = wiremessage.AppendMsgSectionType(dst, wiremessage.DocumentSequence)
		docs := make([][]byte, len(seq.Documents))
		for i, d := range seq.Documents {
			docs[i] = d
		}
		dst = wiremessage.AppendMsgSectionDocumentSequence(dst, seq.Identifier, docs)
	}

	wiremessage.SetLength(dst, idx, int32(len(dst)))

	if opts != nil && opts.Compressor != wiremessage.CompressorNoop && CanCompress(cmdName) {
		return compressWireMessage(dst, requestID, *opts)
	}
	return dst, nil
}

// setExhaustAllowed ORs the ExhaustAllowed flag bit into an uncompressed OP_MSG frame built by
// EncodeCommand, which never sets it itself since ordinary commands never stream. Only the
// streaming hello monitor's initial request sets this.
func setExhaustAllowed(wm []byte) {
	if len(wm) < 20 {
		return
	}
	flags := binary.LittleEndian.Uint32(wm[16:20]) | uint32(wiremessage.ExhaustAllowed)
	binary.LittleEndian.PutUint32(wm[16:20], flags)
}

// compressWireMessage wraps an already-built OP_MSG frame in OP_COMPRESSED.
func compressWireMessage(wm []byte, requestID int32, opts CompressionOpts) ([]byte, error) {
	_, body, ok := wiremessage.ReadHeader(wm)
	if !ok {
		return nil, ProtocolError{Message: "cannot compress malformed wire message"}
	}
	uncompressedSize := int32(len(body))

	compressed, err := CompressPayload(body, opts)
	if err != nil {
		return nil, err
	}

	idx, dst := wiremessage.AppendHeader(nil, requestID, 0, wiremessage.OpCompressed)
	dst = appendi32(dst, int32(wiremessage.OpMsg))
	dst = appendi32(dst, uncompressedSize)
	dst = append(dst, byte(opts.Compressor))
	dst = append(dst, compressed...)
	wiremessage.SetLength(dst, idx, int32(len(dst)))
	return dst, nil
}

// DecodeReply decodes an OP_MSG (transparently decompressing OP_COMPRESSED first) into its
// logical command-reply document, per §4.1's codec contract.
func DecodeReply(wm []byte) (bsoncore.Document, error) {
	header, rest, ok := wiremessage.ReadHeader(wm)
	if !ok {
		return nil, ProtocolError{Message: "insufficient bytes to read message header"}
	}

	switch header.OpCode {
	case wiremessage.OpCompressed:
		decoded, err := decompressWireMessage(rest)
		if err != nil {
			return nil, err
		}
		rest = decoded
	case wiremessage.OpMsg:
		// already a logical OP_MSG body
	default:
		return nil, ProtocolError{Message: fmt.Sprintf("unsupported opcode %d: this driver only speaks OP_MSG", header.OpCode)}
	}

	return decodeMsgBody(rest)
}

func decompressWireMessage(rest []byte) ([]byte, error) {
	if len(rest) < 9 {
		return nil, ProtocolError{Message: "malformed OP_COMPRESSED: missing prefix"}
	}
	originalOpcode := readi32(rest[0:4])
	uncompressedSize := readi32(rest[4:8])
	compressorID := wiremessage.CompressorID(rest[8])
	payload := rest[9:]

	if originalOpcode != int32(wiremessage.OpMsg) {
		return nil, ProtocolError{Message: "OP_COMPRESSED wraps an unsupported opcode"}
	}

	decompressed, err := DecompressPayload(payload, CompressionOpts{Compressor: compressorID, UncompressedSize: uncompressedSize})
	if err != nil {
		return nil, ProtocolError{Message: "failed to decompress OP_COMPRESSED payload: " + err.Error()}
	}
	return decompressed, nil
}

func decodeMsgBody(body []byte) (bsoncore.Document, error) {
	_, body, ok := wiremessage.ReadMsgFlags(body)
	if !ok {
		return nil, ProtocolError{Message: "malformed OP_MSG: missing flags"}
	}

	var result bsoncore.Document
	for len(body) > 0 {
		var stype wiremessage.SectionType
		stype, body, ok = wiremessage.ReadMsgSectionType(body)
		if !ok {
			return nil, ProtocolError{Message: "malformed OP_MSG: missing section type"}
		}
		switch stype {
		case wiremessage.SingleDocument:
			var doc []byte
			doc, body, ok = wiremessage.ReadMsgSectionSingleDocument(body)
			if !ok {
				return nil, ProtocolError{Message: "malformed OP_MSG: truncated document"}
			}
			result = bsoncore.Document(doc)
		case wiremessage.DocumentSequence:
			// Cursor batch sequences are not expected on command replies in this driver; any
			// sequence present is consumed so the remaining bytes parse cleanly.
			_, _, body, ok = wiremessage.ReadMsgSectionDocumentSequence(body)
			if !ok {
				return nil, ProtocolError{Message: "malformed OP_MSG: truncated document sequence"}
			}
		default:
			return nil, ProtocolError{Message: fmt.Sprintf("malformed OP_MSG: unknown section type %d", stype)}
		}
	}

	if result == nil {
		return nil, ProtocolError{Message: "malformed OP_MSG: no document section present"}
	}
	if err := result.Validate(); err != nil {
		return nil, InvalidResponseError{Message: err.Error()}
	}
	return result, nil
}

func appendi32(dst []byte, v int32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func readi32(src []byte) int32 {
	return int32(uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24)
}
