package transport

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/pinchtab/authstream/internal/browser"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		kind    InputKind
		wantErr bool
	}{
		{"mouse", `{"type":"mouse","eventType":"pressed","x":10,"y":20,"button":"left","clickCount":1}`, InputMouse, false},
		{"key", `{"type":"key","eventType":"down","key":"a","code":"KeyA","text":"a","modifiers":8}`, InputKey, false},
		{"scroll", `{"type":"scroll","deltaX":0,"deltaY":120}`, InputScroll, false},
		{"ping", `{"type":"ping"}`, InputPing, false},
		{"unknown", `{"type":"resize","width":10}`, InputUnknown, false},
		{"bad mouse", `{"type":"mouse","eventType":"hover"}`, InputUnknown, true},
		{"key without key", `{"type":"key","eventType":"down"}`, InputUnknown, true},
		{"malformed", `{"type":`, InputUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := Decode([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if in.Kind != tt.kind {
				t.Errorf("kind = %v, want %v", in.Kind, tt.kind)
			}
		})
	}
}

func TestDecodeMouseFields(t *testing.T) {
	in, err := Decode([]byte(`{"type":"mouse","eventType":"moved","x":640.5,"y":399,"button":"none"}`))
	if err != nil {
		t.Fatal(err)
	}
	want := browser.MouseEvent{Action: browser.MouseMoved, X: 640.5, Y: 399, Button: "none"}
	if *in.Mouse != want {
		t.Errorf("got %+v, want %+v", *in.Mouse, want)
	}
}

func TestOutgoingShapes(t *testing.T) {
	tests := []struct {
		msg  any
		want string
	}{
		{NewFrame(3, "abc"), `{"type":"frame","data":"abc","frameSequenceId":3}`},
		{NewStatus(StatusReady, "", ""), `{"type":"status","status":"ready"}`},
		{NewStatus(StatusConnecting, "loading", "https://x"), `{"type":"status","status":"connecting","message":"loading","url":"https://x"}`},
		{NewAuthComplete("Acme", nil), `{"type":"auth_complete","success":true,"workspace":"Acme"}`},
		{NewAuthComplete("Acme", errors.New("boom")), `{"type":"auth_complete","success":false,"error":"boom"}`},
	}
	for _, tt := range tests {
		b, err := json.Marshal(tt.msg)
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != tt.want {
			t.Errorf("got %s, want %s", b, tt.want)
		}
	}
}

func TestTwoFactorMessage(t *testing.T) {
	m := NewTwoFactorCode("42")
	if m.Type != "2fa_code" || m.Code != "42" || !strings.Contains(m.Message, "42") {
		t.Errorf("unexpected message %+v", m)
	}
}
