// Package compression wraps zstd for the artifacts wsync ships over shared
// locations: replayable cache files and depot layers.
package compression

import (
	"errors"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Level selects the encoder speed/ratio trade-off.
type Level int

const (
	LevelFastest Level = iota + 1
	LevelDefault
	LevelBetter
)

// Compressor encodes and decodes whole buffers. It is safe for concurrent use.
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressor returns a compressor at level.
func NewCompressor(level Level) (*Compressor, error) {
	var encoderLevel zstd.EncoderLevel
	switch level {
	case LevelFastest:
		encoderLevel = zstd.SpeedFastest
	case LevelBetter:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		encoder.Close()
		return nil, err
	}

	return &Compressor{encoder: encoder, decoder: decoder}, nil
}

// Compress returns the zstd frame for data.
func (c *Compressor) Compress(data []byte) []byte {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// Decompress decodes a zstd frame. Unlike a cache that may hold raw bytes,
// every artifact handled here is always compressed, so failures are errors.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Join(ErrCorruptFrame, err)
	}
	return out, nil
}

// NewReader returns a streaming decoder over r.
func NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

// Close releases encoder and decoder resources.
func (c *Compressor) Close() error {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}

// ErrCorruptFrame reports undecodable input.
var ErrCorruptFrame = errors.New("compression: corrupt frame")
