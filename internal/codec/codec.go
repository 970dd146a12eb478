package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Format names accepted by ForFormat.
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// ErrUnknownFormat is returned by ForFormat for an unsupported name.
var ErrUnknownFormat = errors.New("codec: unknown format")

// Codec encodes and decodes wire messages.
//
// Both implementations honour `json` struct tags, so one set of message
// types serves every transport.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ForFormat returns the codec registered under name.
func ForFormat(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", FormatJSON:
		return JSON{}, nil
	case FormatCBOR:
		return CBOR{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// JSON is the encoding/json codec.
type JSON struct{}

func (JSON) Name() string        { return FormatJSON }
func (JSON) ContentType() string { return "application/json" }

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

var (
	// encMode writes Core Deterministic Encoding: sorted keys and the
	// smallest integer and float forms.
	encMode cbor.EncMode

	// decMode decodes maps under any-typed targets as map[string]any so
	// the result converts straight back to JSON.
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR encodes messages as RFC 8949 CBOR for constrained links.
//
// Values are routed through their JSON form first so that json.RawMessage
// payloads and `json` tags come out as structured CBOR rather than byte
// strings. Decoding goes the other way for the same reason.
type CBOR struct{}

func (CBOR) Name() string        { return FormatCBOR }
func (CBOR) ContentType() string { return "application/cbor" }

func (CBOR) Marshal(v any) ([]byte, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(generic)
}

func (CBOR) Unmarshal(data []byte, v any) error {
	var generic any
	if err := decMode.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("decoding cbor: %w", err)
	}
	js, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("converting cbor to json: %w", err)
	}
	return json.Unmarshal(js, v)
}

// toGeneric converts v into maps, slices and scalars via its JSON encoding.
// Integral numbers stay integers.
func toGeneric(v any) (any, error) {
	js, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(js))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return normalizeNumbers(generic), nil
}

func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		return v
	}
}

// ToJSON converts a payload in the given codec's encoding to JSON.
// JSON input is validated and returned unchanged.
func ToJSON(c Codec, data []byte) (json.RawMessage, error) {
	if c.Name() == FormatJSON {
		if !json.Valid(data) {
			return nil, errors.New("codec: invalid json")
		}
		return json.RawMessage(data), nil
	}
	var generic any
	if err := c.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
