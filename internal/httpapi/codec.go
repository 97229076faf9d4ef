package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/agentworkforce/relaysync/internal/collab"
	"github.com/fxamacker/cbor/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"
)

const (
	SubprotocolJSON = "relaysync.v1.json"
	SubprotocolCBOR = "relaysync.v1.cbor"
)

// Inbound frame types.
const (
	frameWorkspaceJoin     = "workspace:join"
	frameWorkspaceLeave    = "workspace:leave"
	framePresenceHeartbeat = "presence:heartbeat"
	framePresenceMembers   = "presence:members"
	frameDocumentLoad      = "document:load"
	frameDocumentSave      = "document:save"
)

// Envelope is the frame shape in both directions. Inbound frames use
// Body and ExpectedVersion; outbound frames carry their payload in Data.
type Envelope struct {
	Type            string          `json:"type"`
	RequestID       string          `json:"requestId,omitempty"`
	WorkspaceID     string          `json:"workspaceId,omitempty"`
	ResourceID      string          `json:"resourceId,omitempty"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
	Body            json.RawMessage `json:"body,omitempty"`
	Data            any             `json:"data,omitempty"`
}

func envelopeFor(msg collab.Message) Envelope {
	return Envelope{
		Type:        msg.Type,
		RequestID:   msg.RequestID,
		WorkspaceID: msg.WorkspaceID,
		ResourceID:  msg.ResourceID,
		Data:        msg.Data,
	}
}

type frameCodec interface {
	Subprotocol() string
	MessageType() websocket.MessageType
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (Envelope, error)
}

func codecFor(subprotocol string) frameCodec {
	if subprotocol == SubprotocolCBOR {
		return cborCodec{}
	}
	return jsonCodec{}
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string                { return SubprotocolJSON }
func (jsonCodec) MessageType() websocket.MessageType { return websocket.MessageText }

func (jsonCodec) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (jsonCodec) Decode(data []byte) (Envelope, error) {
	if err := validateFrame(data); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", collab.ErrInvalidInput, err)
	}
	return env, nil
}

// cborCodec carries the same envelope in CBOR. Raw JSON fields (document
// bodies, change payloads) travel as byte strings holding JSON text.
type cborCodec struct{}

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	cborEncMode, err = encOptions.EncMode()
	if err != nil {
		panic("httpapi: CBOR encoder initialization failed: " + err.Error())
	}
	cborDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("httpapi: CBOR decoder initialization failed: " + err.Error())
	}
}

func (cborCodec) Subprotocol() string                { return SubprotocolCBOR }
func (cborCodec) MessageType() websocket.MessageType { return websocket.MessageBinary }

func (cborCodec) Encode(env Envelope) ([]byte, error) {
	return cborEncMode.Marshal(env)
}

func (cborCodec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := cborDecMode.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", collab.ErrInvalidInput, err)
	}
	// Check the decoded frame against the same schema as JSON frames.
	normalized, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", collab.ErrInvalidInput, err)
	}
	if err := validateFrame(normalized); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

const frameSchemaURL = "https://relaysync.dev/schemas/frame.json"

const frameSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["workspace:join", "workspace:leave", "presence:heartbeat", "presence:members", "document:load", "document:save"]},
    "requestId": {"type": "string", "maxLength": 128},
    "workspaceId": {"type": "string", "minLength": 1, "maxLength": 256},
    "resourceId": {"type": "string", "minLength": 1, "maxLength": 256},
    "expectedVersion": {"type": "integer", "minimum": 1},
    "body": {"type": "object"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"enum": ["workspace:join", "workspace:leave", "presence:heartbeat", "presence:members", "document:load", "document:save"]}}},
      "then": {"required": ["workspaceId"]}
    },
    {
      "if": {"properties": {"type": {"enum": ["document:load", "document:save"]}}},
      "then": {"required": ["resourceId"]}
    },
    {
      "if": {"properties": {"type": {"const": "document:save"}}},
      "then": {"required": ["body"]}
    }
  ]
}`

var (
	frameSchemaOnce sync.Once
	frameSchema     *jsonschema.Schema
	frameSchemaErr  error
)

func validateFrame(data []byte) error {
	frameSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchemaJSON))
		if err != nil {
			frameSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(frameSchemaURL, doc); err != nil {
			frameSchemaErr = err
			return
		}
		frameSchema, frameSchemaErr = compiler.Compile(frameSchemaURL)
	})
	if frameSchemaErr != nil {
		return fmt.Errorf("compile frame schema: %w", frameSchemaErr)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: frame is not valid json", collab.ErrInvalidInput)
	}
	if err := frameSchema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", collab.ErrInvalidInput, err)
	}
	return nil
}
