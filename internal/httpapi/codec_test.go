package httpapi

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/agentworkforce/relaysync/internal/collab"
	"nhooyr.io/websocket"
)

func TestValidateFrame(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		ok    bool
	}{
		{name: "join", frame: `{"type":"workspace:join","workspaceId":"ws_1"}`, ok: true},
		{name: "join without workspace", frame: `{"type":"workspace:join"}`},
		{name: "heartbeat", frame: `{"type":"presence:heartbeat","workspaceId":"ws_1","requestId":"r1"}`, ok: true},
		{name: "load without workspace", frame: `{"type":"document:load","resourceId":"evt_1"}`},
		{name: "load", frame: `{"type":"document:load","workspaceId":"ws_1","resourceId":"evt_1"}`, ok: true},
		{name: "load without resource", frame: `{"type":"document:load","workspaceId":"ws_1"}`},
		{name: "save", frame: `{"type":"document:save","workspaceId":"ws_1","resourceId":"evt_1","expectedVersion":3,"body":{}}`, ok: true},
		{name: "save with array body", frame: `{"type":"document:save","workspaceId":"ws_1","resourceId":"evt_1","body":[]}`},
		{name: "save with zero version", frame: `{"type":"document:save","workspaceId":"ws_1","resourceId":"evt_1","expectedVersion":0,"body":{}}`},
		{name: "unknown type", frame: `{"type":"workspace:delete","workspaceId":"ws_1"}`},
		{name: "missing type", frame: `{"workspaceId":"ws_1"}`},
		{name: "empty workspace", frame: `{"type":"workspace:leave","workspaceId":""}`},
		{name: "not json", frame: `workspace:join`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateFrame([]byte(tc.frame))
			if tc.ok && err != nil {
				t.Fatalf("expected frame to validate, got %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatalf("expected frame to be rejected")
				}
				if !errors.Is(err, collab.ErrInvalidInput) {
					t.Fatalf("expected ErrInvalidInput, got %v", err)
				}
			}
		})
	}
}

func TestCodecFor(t *testing.T) {
	if got := codecFor(SubprotocolCBOR); got.MessageType() != websocket.MessageBinary || got.Subprotocol() != SubprotocolCBOR {
		t.Fatalf("expected cbor codec, got %T", got)
	}
	for _, sub := range []string{"", SubprotocolJSON, "unknown"} {
		if got := codecFor(sub); got.MessageType() != websocket.MessageText {
			t.Fatalf("expected json codec for %q, got %T", sub, got)
		}
	}
}

func TestCBORCodecCarriesRawJSON(t *testing.T) {
	codec := cborCodec{}
	version := int64(4)
	in := Envelope{
		Type:            frameDocumentSave,
		RequestID:       "req_1",
		WorkspaceID:     "ws_1",
		ResourceID:      "evt_1",
		ExpectedVersion: &version,
		Body:            json.RawMessage(`{"sheets":[{"name":"A","rows":[["x"]]}]}`),
	}
	data, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != in.Type || out.ResourceID != in.ResourceID || out.ExpectedVersion == nil || *out.ExpectedVersion != 4 {
		t.Fatalf("unexpected envelope: %+v", out)
	}
	if string(out.Body) != string(in.Body) {
		t.Fatalf("expected body %s, got %s", in.Body, out.Body)
	}

	again, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("encode again: %v", err)
	}
	if string(again) != string(data) {
		t.Fatalf("expected deterministic encoding")
	}
}

func TestCBORCodecRejectsInvalidFrames(t *testing.T) {
	codec := cborCodec{}
	data, err := codec.Encode(Envelope{Type: frameDocumentSave, WorkspaceID: "ws_1", ResourceID: "evt_1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := codec.Decode(data); !errors.Is(err, collab.ErrInvalidInput) {
		t.Fatalf("expected save without body to be rejected, got %v", err)
	}
	if _, err := codec.Decode([]byte{0xff, 0x00}); !errors.Is(err, collab.ErrInvalidInput) {
		t.Fatalf("expected garbage to be rejected, got %v", err)
	}
	notJSON, err := codec.Encode(Envelope{Type: frameDocumentSave, WorkspaceID: "ws_1", ResourceID: "evt_1", Body: json.RawMessage(`{oops`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := codec.Decode(notJSON); !errors.Is(err, collab.ErrInvalidInput) {
		t.Fatalf("expected non-json body to be rejected, got %v", err)
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := jsonCodec{}
	data, err := codec.Encode(envelopeFor(collab.Message{
		Type:        collab.TypeUserOnline,
		WorkspaceID: "ws_1",
		Data:        collab.PresenceNotice{UserID: "bob", WorkspaceID: "ws_1"},
	}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"type":"user:online","workspaceId":"ws_1","data":{"userId":"bob","workspaceId":"ws_1"}}`
	if string(data) != want {
		t.Fatalf("expected %s, got %s", want, data)
	}
	if _, err := codec.Decode(data); err == nil {
		t.Fatalf("outbound frame types must not validate as inbound frames")
	}
}
