package rpcmux

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// FrameFormat is an optional transform applied to every encoded envelope
// before it is framed, and reversed on receipt. Both ends of a connection
// must agree on the format. Implementations must be safe for concurrent use,
// since the writer and reader of a stream run on different goroutines.
type FrameFormat interface {
	// Encode appends the transformed form of src to dst.
	Encode(dst, src []byte) ([]byte, error)
	// Decode appends the original form of src to dst.
	Decode(dst, src []byte) ([]byte, error)
}

// SnappyFrames returns a frame format that compresses each frame with snappy
// block compression.
func SnappyFrames() FrameFormat {
	return snappyFormat{}
}

type snappyFormat struct{}

func (snappyFormat) Encode(dst, src []byte) ([]byte, error) {
	if snappy.MaxEncodedLen(len(src)) < 0 {
		return nil, fmt.Errorf("frame of %d bytes is too large to compress", len(src))
	}
	return append(dst, snappy.Encode(nil, src)...), nil
}

func (snappyFormat) Decode(dst, src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("corrupt snappy frame: %w", err)
	}
	return append(dst, out...), nil
}

// ZstdFrames returns a frame format that compresses each frame with zstd.
func ZstdFrames() (FrameFormat, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	return &zstdFormat{enc: enc, dec: dec}, nil
}

type zstdFormat struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (f *zstdFormat) Encode(dst, src []byte) ([]byte, error) {
	return f.enc.EncodeAll(src, dst), nil
}

func (f *zstdFormat) Decode(dst, src []byte) ([]byte, error) {
	out, err := f.dec.DecodeAll(src, dst)
	if err != nil {
		return nil, fmt.Errorf("corrupt zstd frame: %w", err)
	}
	return out, nil
}
