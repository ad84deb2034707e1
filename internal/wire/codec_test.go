package wire

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"pkt.systems/middlewared/internal/apierr"
)

func TestDecodeMethodDefaultsParams(t *testing.T) {
	msg, err := Decode([]byte(`{"msg":"method","id":"1","method":"system.version"}`), 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(msg.Params) != "[]" || msg.IDString() != "1" {
		t.Fatalf("unexpected message %#v", msg)
	}
}

func TestDecodeNumericIDEchoes(t *testing.T) {
	msg, err := Decode([]byte(`{"msg":"method","id":42,"method":"core.ping","params":[]}`), 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	reply, _ := Result(msg.ID, "pong")
	data, _ := Encode(reply)
	if !strings.Contains(string(data), `"id":42`) {
		t.Fatalf("expected numeric id echo, got %s", data)
	}
}

func TestDecodeRejections(t *testing.T) {
	cases := []string{
		`not json`,
		`[1,2]`,
		`{"msg":"method","id":"1"}`,
		`{"msg":"method","method":"x"}`,
		`{"msg":"method","id":"1","method":"x","params":{"a":1}}`,
		`{"msg":"sub","id":"1"}`,
		`{"msg":"bogus"}`,
		`{"id":"1"}`,
		`{"msg":"ping"} {"msg":"ping"}`,
	}
	for _, raw := range cases {
		if _, err := Decode([]byte(raw), 0); !IsProtocolError(err) {
			t.Fatalf("expected protocol error for %s, got %v", raw, err)
		}
	}
}

func TestDecodeEnforcesCeilingBeforeParse(t *testing.T) {
	_, err := Decode([]byte(`{"msg":"ping","pad":"`+strings.Repeat("x", 64)+`"}`), 16)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestSubCopiesClientRef(t *testing.T) {
	msg, err := Decode([]byte(`{"msg":"sub","id":"c1","collection":"core.get_jobs","snapshot":true}`), 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Ref != "c1" || !msg.Snapshot {
		t.Fatalf("unexpected sub %#v", msg)
	}
}

func TestErrorReplyShape(t *testing.T) {
	reply := ErrorReply(StringID("7"), apierr.Validation("name", apierr.CodeRequired, "required"))
	data, _ := Encode(reply)
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	errObj := decoded["error"].(map[string]any)
	if errObj["type"] != "Validation" || errObj["errno"].(float64) != apierr.EINVAL {
		t.Fatalf("unexpected error envelope %v", errObj)
	}
	extra := errObj["extra"].([]any)[0].(map[string]any)
	if extra["field"] != "name" || extra["code"] != "required" {
		t.Fatalf("unexpected extra %v", extra)
	}
}
