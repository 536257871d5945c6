// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// compression is the one-byte tag prefixed to stored activity payloads,
// so the setting can change without rewriting old rows.
type compression byte

const (
	compressionNone compression = iota
	compressionS2
	compressionZstd
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

func parseCompression(name string) (compression, error) {
	switch name {
	case "", "zstd":
		return compressionZstd, nil
	case "s2":
		return compressionS2, nil
	case "none":
		return compressionNone, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

func encodePayload(data []byte, c compression) []byte {
	var body []byte
	switch c {
	case compressionS2:
		body = s2.Encode(nil, data)
	case compressionZstd:
		body = zstdEncoder.EncodeAll(data, nil)
	default:
		body = data
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(c))
	return append(out, body...)
}

func decodePayload(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	body := raw[1:]
	switch compression(raw[0]) {
	case compressionNone:
		return append([]byte(nil), body...), nil
	case compressionS2:
		return s2.Decode(nil, body)
	case compressionZstd:
		return zstdDecoder.DecodeAll(body, nil)
	default:
		return nil, fmt.Errorf("unknown compression tag %d", raw[0])
	}
}
