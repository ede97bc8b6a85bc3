package message

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRequestOmitsUnusedParams(t *testing.T) {
	data, err := json.Marshal(&Request{Action: ActionGetStats})
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	if string(data) != `{"action":"get_stats"}` {
		t.Fatalf("unexpected encoding: %s", data)
	}
}

func TestDeliverRequestFields(t *testing.T) {
	raw := `{"action":"deliver","host":"10.0.0.1","port":2199,"payload":"$GPRMC,1","correlation_id":"abc"}`
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatal(err)
	}
	if req.Action != ActionDeliver || req.Host != "10.0.0.1" || req.Port != 2199 ||
		req.Payload != "$GPRMC,1" || req.CorrelationID != "abc" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestResponseCarriesRawData(t *testing.T) {
	resp := Response{Success: true, Data: json.RawMessage(`{"closed":2}`)}
	data, err := json.Marshal(&resp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"data":{"closed":2}`) {
		t.Fatalf("data must be embedded verbatim: %s", data)
	}

	var back Response
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	var c Closed
	if err := json.Unmarshal(back.Data, &c); err != nil || c.Closed != 2 {
		t.Fatalf("expect closed=2, got %+v (%v)", c, err)
	}
}

func TestFailure(t *testing.T) {
	r := Failure("unknown action")
	if r.Success || r.Error != "unknown action" {
		t.Fatalf("unexpected failure response: %+v", r)
	}
}
