package protocol_test

import (
	"encoding/json"
	"testing"

	"headlesshost.io/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	ok := func(typ string, msg any) {
		t.Helper()
		b, _ := json.Marshal(msg)
		if err := v.Validate(typ, b); err != nil {
			t.Fatalf("validate %s: %v", typ, err)
		}
	}

	ok(protocol.TypeHello, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, IdentityKey: "steam:42", Name: "p1"})
	ok(protocol.TypeAct, protocol.ActMsg{Type: protocol.TypeAct, ProtocolVersion: protocol.Version, Kind: "SET_CELL", Data: json.RawMessage(`{"x":1,"y":2,"value":"stone"}`)})
	ok(protocol.TypeInitRequest, protocol.InitRequestMsg{Type: protocol.TypeInitRequest, ProtocolVersion: protocol.Version})
	ok(protocol.TypeChunk, protocol.ChunkMsg{Type: protocol.TypeChunk, ProtocolVersion: protocol.Version, TransferID: "t1", Index: 0, TotalChunks: 1, Payload: ""})
	ok(protocol.TypeTick, protocol.NewTick(640))
}

func TestSchemas_RejectBadMessages(t *testing.T) {
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	cases := []struct {
		typ string
		raw string
	}{
		{protocol.TypeHello, `{"type":"HELLO","protocol_version":"1.0"}`},
		{protocol.TypeHello, `{"type":"HELLO","protocol_version":"1.0","identity_key":""}`},
		{protocol.TypeAct, `{"type":"ACT","protocol_version":"1.0","kind":"set cell"}`},
		{protocol.TypeChunk, `{"type":"CHUNK","protocol_version":"1.0","transfer_id":"t","index":0,"total_chunks":0,"payload":""}`},
		{protocol.TypeTick, `{"type":"TICK","protocol_version":"1.0","tick":-1}`},
	}
	for _, c := range cases {
		if err := v.Validate(c.typ, []byte(c.raw)); err == nil {
			t.Fatalf("expected %s rejected: %s", c.typ, c.raw)
		}
	}
	if err := v.Validate("UNKNOWN", []byte(`{}`)); err != nil {
		t.Fatalf("types without schema pass: %v", err)
	}
}
