// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/driftlane/mgdriver/x/mongo/driver/wiremessage"
)

// CompressionOpts holds the negotiated compressor and its tunables for one connection.
type CompressionOpts struct {
	Compressor       wiremessage.CompressorID
	ZlibLevel        int
	UncompressedSize int32
}

var sharedZstdEncoder, _ = zstd.NewWriter(nil)
var sharedZstdDecoder, _ = zstd.NewReader(nil)

// CompressPayload compresses src with the given compressor, returning the compressed bytes. The
// caller is responsible for wrapping the result (and src's original length) in an OP_COMPRESSED
// frame.
func CompressPayload(src []byte, opts CompressionOpts) ([]byte, error) {
	switch opts.Compressor {
	case wiremessage.CompressorSnappy:
		return snappy.Encode(nil, src), nil
	case wiremessage.CompressorZLib:
		var buf bytes.Buffer
		level := opts.ZlibLevel
		if level == 0 {
			level = zlib.DefaultCompression
		}
		w, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case wiremessage.CompressorZstd:
		return sharedZstdEncoder.EncodeAll(src, nil), nil
	default:
		return nil, fmt.Errorf("unknown compressor ID %d", opts.Compressor)
	}
}

// DecompressPayload decompresses src, which was compressed with the given compressor, into a
// buffer of uncompressedSize bytes.
func DecompressPayload(src []byte, opts CompressionOpts) ([]byte, error) {
	switch opts.Compressor {
	case wiremessage.CompressorNoop:
		return src, nil
	case wiremessage.CompressorSnappy:
		dst := make([]byte, opts.UncompressedSize)
		return snappy.Decode(dst, src)
	case wiremessage.CompressorZLib:
		r, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		dst := make([]byte, opts.UncompressedSize)
		if _, err := io.ReadFull(r, dst); err != nil && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		return dst, nil
	case wiremessage.CompressorZstd:
		return sharedZstdDecoder.DecodeAll(src, make([]byte, 0, opts.UncompressedSize))
	default:
		return nil, fmt.Errorf("unknown compressor ID %d", opts.Compressor)
	}
}

// CompressorIDFromName maps a negotiated compressor name (as seen in "compressors" URI option
// values and hello replies) to its wire ID.
func CompressorIDFromName(name string) (wiremessage.CompressorID, bool) {
	switch name {
	case "snappy":
		return wiremessage.CompressorSnappy, true
	case "zlib":
		return wiremessage.CompressorZLib, true
	case "zstd":
		return wiremessage.CompressorZstd, true
	default:
		return 0, false
	}
}

// CompressorNameFromID is the inverse of CompressorIDFromName, used for diagnostics and for
// rebuilding the "compression" option list from negotiated IDs.
func CompressorNameFromID(id wiremessage.CompressorID) string {
	switch id {
	case wiremessage.CompressorSnappy:
		return "snappy"
	case wiremessage.CompressorZLib:
		return "zlib"
	case wiremessage.CompressorZstd:
		return "zstd"
	default:
		return ""
	}
}

// uncompressibleCommands never get OP_COMPRESSED treatment: authentication/handshake traffic
// must remain plaintext so the server can read it before compression is agreed on.
var uncompressibleCommands = map[string]bool{
	"hello":         true,
	"ismaster":      true,
	"isMaster":      true,
	"saslStart":     true,
	"saslstart":     true,
	"saslContinue":  true,
	"saslcontinue":  true,
	"getnonce":      true,
	"authenticate":  true,
	"createuser":    true,
	"createUser":    true,
	"updateuser":    true,
	"updateUser":    true,
	"copydbsaslstart": true,
	"copydbgetnonce":  true,
	"copydb":          true,
}

// CanCompress reports whether a command named cmdName is eligible for OP_COMPRESSED, per §4.1.
func CanCompress(cmdName string) bool {
	return !uncompressibleCommands[cmdName]
}
