// Package codec serializes IPC envelopes. The codec type travels in every
// frame header so both sides agree on the body format.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType.
func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("codec: unsupported type %d", codecType)
	}
}
