package codec

import (
	"encoding/json"
	"errors"
	"testing"
)

type pollReply struct {
	DeviceID string          `json:"device_id"`
	Count    int             `json:"count"`
	Payload  json.RawMessage `json:"payload"`
}

func TestForFormat(t *testing.T) {
	tests := []struct {
		name     string
		format   string
		wantName string
		wantErr  bool
	}{
		{name: "default", format: "", wantName: FormatJSON},
		{name: "json", format: "json", wantName: FormatJSON},
		{name: "cbor upper", format: "CBOR", wantName: FormatCBOR},
		{name: "unknown", format: "msgpack", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ForFormat(tt.format)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownFormat) {
					t.Errorf("ForFormat(%q) error = %v, want ErrUnknownFormat", tt.format, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ForFormat(%q) error = %v", tt.format, err)
			}
			if c.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", c.Name(), tt.wantName)
			}
		})
	}
}

func TestCBOR_RawMessagePayloadIsStructured(t *testing.T) {
	c := CBOR{}
	in := pollReply{DeviceID: "drone-1", Count: 2, Payload: json.RawMessage(`{"op":"goto","lat":51.5,"alt":120}`)}

	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var generic map[string]any
	if err := decMode.Unmarshal(data, &generic); err != nil {
		t.Fatalf("decoding raw cbor: %v", err)
	}
	payload, ok := generic["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload decoded as %T, want a CBOR map", generic["payload"])
	}
	if payload["op"] != "goto" {
		t.Errorf("payload op = %v", payload["op"])
	}
	if alt, ok := payload["alt"].(uint64); !ok || alt != 120 {
		t.Errorf("payload alt = %#v, want integer 120", payload["alt"])
	}

	var out pollReply
	if err := c.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.DeviceID != "drone-1" || out.Count != 2 {
		t.Errorf("Unmarshal() = %+v", out)
	}
	var p map[string]any
	if err := json.Unmarshal(out.Payload, &p); err != nil || p["lat"] != 51.5 {
		t.Errorf("payload after round trip = %s (%v)", out.Payload, err)
	}
}

func TestToJSON(t *testing.T) {
	cborData, err := CBOR{}.Marshal(map[string]any{"battery": 88, "armed": true})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	tests := []struct {
		name    string
		codec   Codec
		data    []byte
		want    string
		wantErr bool
	}{
		{name: "json passthrough", codec: JSON{}, data: []byte(`{"a":1}`), want: `{"a":1}`},
		{name: "invalid json", codec: JSON{}, data: []byte(`{`), wantErr: true},
		{name: "cbor to json", codec: CBOR{}, data: cborData, want: `{"armed":true,"battery":88}`},
		{name: "invalid cbor", codec: CBOR{}, data: []byte{0xff, 0x00}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToJSON(tt.codec, tt.data)
			if tt.wantErr {
				if err == nil {
					t.Error("ToJSON() error = nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ToJSON() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("ToJSON() = %s, want %s", got, tt.want)
			}
		})
	}
}
