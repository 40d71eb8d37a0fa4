// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"

	"github.com/absmach/fluxbus/packets"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression names.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionS2   = "s2"
)

// compressor is safe for concurrent use.
type compressor interface {
	compress(src []byte) []byte
	decompress(src []byte) ([]byte, error)
	name() string
}

// Compressed wraps inner so that serialized bodies are compressed with algo.
// An empty algo or "none" returns inner unchanged.
func Compressed(inner Serializer, algo string) (Serializer, error) {
	var c compressor
	switch algo {
	case "", CompressionNone:
		return inner, nil
	case CompressionZstd:
		z, err := newZstd()
		if err != nil {
			return nil, err
		}
		c = z
	case CompressionS2:
		c = s2Compressor{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, algo)
	}
	return &compressed{inner: inner, c: c}, nil
}

type compressed struct {
	inner Serializer
	c     compressor
}

func (s *compressed) Name() string {
	return s.inner.Name() + "+" + s.c.name()
}

func (s *compressed) Serialize(pkt *packets.Packet) ([]byte, error) {
	data, err := s.inner.Serialize(pkt)
	if err != nil {
		return nil, err
	}
	return s.c.compress(data), nil
}

func (s *compressed) Deserialize(data []byte) (*packets.Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmptyBody
	}
	raw, err := s.c.decompress(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s body: %w", s.c.name(), err)
	}
	return s.inner.Deserialize(raw)
}

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstd() (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (z *zstdCompressor) compress(src []byte) []byte {
	return z.enc.EncodeAll(src, nil)
}

func (z *zstdCompressor) decompress(src []byte) ([]byte, error) {
	return z.dec.DecodeAll(src, nil)
}

func (z *zstdCompressor) name() string { return CompressionZstd }

type s2Compressor struct{}

func (s2Compressor) compress(src []byte) []byte {
	return s2.Encode(nil, src)
}

func (s2Compressor) decompress(src []byte) ([]byte, error) {
	return s2.Decode(nil, src)
}

func (s2Compressor) name() string { return CompressionS2 }
