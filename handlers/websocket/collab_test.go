package websocket

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"whiteboard-server/access"
	"whiteboard-server/auth"
	"whiteboard-server/core"
	"whiteboard-server/mutations"
	"whiteboard-server/presence"
)

func TestExtractAck(t *testing.T) {
	var got map[string]any
	datas := []any{"room-1", func(payload map[string]any) { got = payload }}

	ack, args := extractAck(datas)
	if ack == nil {
		t.Fatal("extractAck() did not find the trailing callback")
	}
	if len(args) != 1 || args[0] != "room-1" {
		t.Errorf("extractAck() args = %v, want [room-1]", args)
	}

	ack(nil, map[string]any{"status": "ok"})
	if got["status"] != "ok" {
		t.Errorf("ack payload = %v", got)
	}
}

func TestExtractAck_NoCallback(t *testing.T) {
	ack, args := extractAck([]any{"room-1", map[string]any{"x": 1}})
	if ack != nil {
		t.Error("extractAck() returned an ack for non-function arguments")
	}
	if len(args) != 2 {
		t.Errorf("extractAck() args = %v", args)
	}

	if ack, args := extractAck(nil); ack != nil || len(args) != 0 {
		t.Error("extractAck(nil) should return nothing")
	}
}

func TestAck_TwoArguments(t *testing.T) {
	var gotErr error
	var gotPayload map[string]any
	ack := wrapAck(func(err error, payload map[string]any) {
		gotErr = err
		gotPayload = payload
	})

	want := errors.New("boom")
	ack(want, map[string]any{"status": "error"})
	if gotErr != want {
		t.Errorf("ack error = %v, want %v", gotErr, want)
	}
	if gotPayload["status"] != "error" {
		t.Errorf("ack payload = %v", gotPayload)
	}
}

func TestAck_SingleArgumentGetsPayload(t *testing.T) {
	var got map[string]any
	ack := wrapAck(func(payload map[string]any) { got = payload })

	ack(errors.New("denied"), errorPayload(access.ErrNotInvited))
	if got["status"] != "error" || got["code"] != "not_invited" {
		t.Errorf("ack payload = %v", got)
	}
}

func TestAck_ConvertsPayloadTypes(t *testing.T) {
	var got map[string]string
	ack := wrapAck(func(payload map[string]string) { got = payload })

	ack(nil, map[string]any{"status": "ok", "count": 3, "missing": nil})
	if got["status"] != "ok" {
		t.Errorf("converted payload = %v", got)
	}
	if _, ok := got["missing"]; ok {
		t.Error("nil values should be skipped")
	}

	var s string
	wrapAck(func(v string) { s = v })(nil, nil)
	if s != "" {
		t.Errorf("nil payload should coerce to zero value, got %q", s)
	}
}

func TestRoomIDArg(t *testing.T) {
	cases := []struct {
		name    string
		args    []any
		want    string
		wantErr bool
	}{
		{"bare string", []any{"r1"}, "r1", false},
		{"object", []any{map[string]any{"roomId": "r2"}}, "r2", false},
		{"empty", []any{""}, "", true},
		{"missing", nil, "", true},
		{"wrong type", []any{42}, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := roomIDArg(tc.args)
			if (err != nil) != tc.wantErr {
				t.Fatalf("roomIDArg() error = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("roomIDArg() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecodeOperation(t *testing.T) {
	element := map[string]any{"id": "e1", "category": "shapes", "x": 1.0}

	roomID, op, err := decodeOperation(mutations.EventAddElement, map[string]any{"roomId": "r1", "element": element})
	if err != nil {
		t.Fatalf("decode add: %v", err)
	}
	if roomID != "r1" || op.Kind != core.OpAdd || op.ElementID != "e1" {
		t.Errorf("decode add = %s %+v", roomID, op)
	}

	_, op, err = decodeOperation(mutations.EventUpdateElement, map[string]any{
		"roomId": "r1", "elementId": "e1", "updates": map[string]any{"x": 2.0},
	})
	if err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if op.Kind != core.OpUpdate || op.Updates["x"] != 2.0 {
		t.Errorf("decode update = %+v", op)
	}

	_, op, err = decodeOperation(mutations.EventDeleteElement, map[string]any{"roomId": "r1", "elementId": "e1"})
	if err != nil || op.Kind != core.OpDelete || op.ElementID != "e1" {
		t.Errorf("decode delete = %+v, %v", op, err)
	}
}

func TestDecodeOperation_Malformed(t *testing.T) {
	cases := map[string]struct {
		event   string
		payload map[string]any
	}{
		"missing room":    {mutations.EventDeleteElement, map[string]any{"elementId": "e1"}},
		"element not map": {mutations.EventAddElement, map[string]any{"roomId": "r1", "element": "e1"}},
		"updates not map": {mutations.EventUpdateElement, map[string]any{"roomId": "r1", "elementId": "e1", "updates": 3}},
		"unknown event":   {"rename_element", map[string]any{"roomId": "r1"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, err := decodeOperation(tc.event, tc.payload); !errors.Is(err, core.ErrInvalidOperation) {
				t.Errorf("decodeOperation() error = %v, want ErrInvalidOperation", err)
			}
		})
	}
}

func TestPayloadArg(t *testing.T) {
	if _, err := payloadArg(nil); err == nil {
		t.Error("payloadArg(nil) should fail")
	}
	if _, err := payloadArg([]any{"text"}); err == nil {
		t.Error("payloadArg() should reject non-objects")
	}
	p, err := payloadArg([]any{map[string]any{"roomId": "r1"}})
	if err != nil || p["roomId"] != "r1" {
		t.Errorf("payloadArg() = %v, %v", p, err)
	}
}

func TestErrorPayload(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("wrap: %w", access.ErrRoomFull), "room_full"},
		{access.ErrRoomExpired, "room_expired"},
		{core.ErrRoomNotFound, "room_not_found"},
		{presence.ErrNotJoined, "not_joined"},
		{core.ErrInvalidElement, "invalid_operation"},
		{errors.New("other"), ""},
	}
	for _, tc := range cases {
		payload := errorPayload(tc.err)
		if payload["status"] != "error" || payload["error"] != tc.err.Error() {
			t.Errorf("errorPayload(%v) = %v", tc.err, payload)
		}
		code, _ := payload["code"].(string)
		if code != tc.code {
			t.Errorf("errorPayload(%v) code = %q, want %q", tc.err, code, tc.code)
		}
	}
}

func TestIdentityFromHandshake(t *testing.T) {
	authn := auth.NewAuthenticator("secret", false)
	valid, err := authn.IssueToken(auth.Identity{ID: "user-1", Name: "Ada"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() failed: %v", err)
	}
	identity, err := identityFromHandshake(authn, map[string]any{"token": valid})
	if err != nil {
		t.Fatalf("identityFromHandshake() failed: %v", err)
	}
	if identity.ID != "user-1" || identity.Name != "Ada" {
		t.Errorf("identity = %+v", identity)
	}

	if _, err := identityFromHandshake(authn, nil); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("missing token error = %v", err)
	}
	if _, err := identityFromHandshake(authn, map[string]any{"token": "garbage"}); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("bad token error = %v", err)
	}
}

func TestIdentityFromHandshake_Anonymous(t *testing.T) {
	authn := auth.NewAuthenticator("", true)
	id := "3f1b7c52-1f0e-4b7a-9a55-2d1f0c9e8a11"

	identity, err := identityFromHandshake(authn, map[string]any{"userId": id, "userName": "Grace"})
	if err != nil {
		t.Fatalf("identityFromHandshake() failed: %v", err)
	}
	if identity.ID != id || identity.Name != "Grace" || !identity.Anonymous {
		t.Errorf("identity = %+v", identity)
	}
}
