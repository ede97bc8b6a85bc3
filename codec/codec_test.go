package codec

import (
	"bytes"
	"testing"

	"gps-uplink/message"
)

func TestJSONCodec(t *testing.T) {
	c, err := GetCodec(CodecTypeJSON)
	if err != nil {
		t.Fatal(err)
	}

	original := &message.Request{
		Action:        message.ActionDeliver,
		Host:          "10.0.0.1",
		Port:          2199,
		Payload:       "$GPRMC,123519,A,4807.038,N",
		CorrelationID: "req-1",
	}
	data, err := c.Encode(original)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	var decoded message.Request
	if err := c.Decode(data, &decoded); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}
	if decoded != *original {
		t.Errorf("request mismatch: got %+v, want %+v", decoded, *original)
	}
}

func TestJSONCodecRejectsGarbage(t *testing.T) {
	var req message.Request
	if err := (&JSONCodec{}).Decode([]byte("not json"), &req); err == nil {
		t.Fatal("expect decode error")
	}
}

func TestGetCodecUnknown(t *testing.T) {
	if _, err := GetCodec(CodecType(7)); err == nil {
		t.Fatal("expect error for unknown codec type")
	}
}

func TestJSONCodecKeepsPayloadVerbatim(t *testing.T) {
	data, err := (&JSONCodec{}).Encode(&message.Request{Payload: "<id>&1"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte(`"payload":"<id>&1"`)) {
		t.Fatalf("payload was escaped: %s", data)
	}
	if bytes.HasSuffix(data, []byte("\n")) {
		t.Fatal("encoded body must not end with a newline")
	}
}

func TestJSONCodecRejectsTrailingData(t *testing.T) {
	var req message.Request
	if err := (&JSONCodec{}).Decode([]byte(`{"action":"ping"} {"action":"ping"}`), &req); err == nil {
		t.Fatal("expect error for two values in one body")
	}
}
