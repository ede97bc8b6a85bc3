package codec

import (
	"bytes"
	"encoding/json"
	"errors"
)

var errTrailingData = errors.New("codec: trailing data after JSON value")

// JSONCodec encodes envelopes as compact JSON. HTML escaping is off so a
// payload line reads the same on the wire as in the logs (socat, nc -U).
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode reads exactly one JSON value; a body with anything after it is rejected.
func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errTrailingData
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
