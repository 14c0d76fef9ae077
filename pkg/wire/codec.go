package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/harun/txgate/pkg/fault"
	"github.com/xeipuuv/gojsonschema"
)

// Codec turns requests and responses into bytes and back. Decode failures are
// serialization faults.
type Codec interface {
	Name() string
	ContentType() string
	EncodeRequest(req *Request) ([]byte, error)
	DecodeRequest(data []byte) (*Request, error)
	EncodeResponse(resp *Response) ([]byte, error)
	DecodeResponse(data []byte) (*Response, error)
}

const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// Lookup returns the codec registered under name.
func Lookup(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", CodecJSON:
		return NewJSONCodec(), nil
	case CodecCBOR:
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// ForContentType returns the codec for an HTTP content type, defaulting to JSON.
func ForContentType(contentType string) (Codec, error) {
	if strings.HasPrefix(contentType, "application/cbor") {
		return NewCBORCodec()
	}
	return NewJSONCodec(), nil
}

// RequestSchema is the JSON schema every JSON request envelope must satisfy.
const RequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "command"],
  "properties": {
    "id": {
      "type": "object",
      "required": ["application"],
      "properties": {
        "application": {"type": "string", "minLength": 1},
        "session_id": {"type": "string"},
        "transaction_id": {"type": "string"}
      }
    },
    "command": {"type": "string", "minLength": 1},
    "interface": {"type": "string"},
    "method": {"type": "string"},
    "param_types": {"type": "array", "items": {"type": "string"}},
    "params": {"type": ["array", "null"]},
    "request_id": {"type": "string"}
  }
}`

// JSONCodec encodes envelopes as JSON and validates requests against RequestSchema.
type JSONCodec struct {
	schema gojsonschema.JSONLoader
}

// NewJSONCodec creates a JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{schema: gojsonschema.NewStringLoader(RequestSchema)}
}

func (c *JSONCodec) Name() string        { return CodecJSON }
func (c *JSONCodec) ContentType() string { return "application/json" }

func (c *JSONCodec) EncodeRequest(req *Request) ([]byte, error) {
	return json.Marshal(req)
}

func (c *JSONCodec) DecodeRequest(data []byte) (*Request, error) {
	if err := c.validate(data); err != nil {
		return nil, fault.Serialization(err)
	}
	var req Request
	if err := decodeJSON(data, &req); err != nil {
		return nil, fault.Serialization(err)
	}
	return &req, nil
}

func (c *JSONCodec) EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

func (c *JSONCodec) DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := decodeJSON(data, &resp); err != nil {
		return nil, fault.Serialization(err)
	}
	return &resp, nil
}

func (c *JSONCodec) validate(data []byte) error {
	result, err := gojsonschema.Validate(c.schema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var errMsg string
		for i, err := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += err.String()
		}
		return fmt.Errorf("schema validation errors: %s", errMsg)
	}
	return nil
}

// decodeJSON keeps numbers as json.Number so integers survive intact.
func decodeJSON(data []byte, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

// CBORCodec encodes envelopes as CBOR. Maps decode as map[string]interface{} and
// times travel as RFC 3339 strings, so results look the same as with JSON.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec creates a CBOR codec
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Name() string        { return CodecCBOR }
func (c *CBORCodec) ContentType() string { return "application/cbor" }

func (c *CBORCodec) EncodeRequest(req *Request) ([]byte, error) {
	return c.enc.Marshal(req)
}

func (c *CBORCodec) DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := c.dec.Unmarshal(data, &req); err != nil {
		return nil, fault.Serialization(err)
	}
	if req.ID.Application == "" || req.Command == "" {
		return nil, fault.Serialization(fmt.Errorf("envelope lacks application or command"))
	}
	return &req, nil
}

func (c *CBORCodec) EncodeResponse(resp *Response) ([]byte, error) {
	return c.enc.Marshal(resp)
}

func (c *CBORCodec) DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := c.dec.Unmarshal(data, &resp); err != nil {
		return nil, fault.Serialization(err)
	}
	return &resp, nil
}
