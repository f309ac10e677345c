// Package transport carries a session's stream to one attached client:
// tagged JSON messages over a WebSocket, frames and status out, input in.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/pinchtab/authstream/internal/browser"
)

// Status values of the "status" message.
const (
	StatusConnecting     = "connecting"
	StatusReady          = "ready"
	StatusAuthenticating = "authenticating"
	StatusComplete       = "complete"
	StatusError          = "error"
)

type Frame struct {
	Type            string `json:"type"`
	Data            string `json:"data"`
	FrameSequenceID int64  `json:"frameSequenceId"`
}

type Status struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	URL     string `json:"url,omitempty"`
}

type TwoFactorCode struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthComplete tells the client how the session ended. It never carries
// the credential itself.
type AuthComplete struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Workspace string `json:"workspace,omitempty"`
	Error     string `json:"error,omitempty"`
}

func NewFrame(seq int64, data string) Frame {
	return Frame{Type: "frame", Data: data, FrameSequenceID: seq}
}

func NewStatus(status, message, url string) Status {
	return Status{Type: "status", Status: status, Message: message, URL: url}
}

func NewTwoFactorCode(code string) TwoFactorCode {
	return TwoFactorCode{
		Type:    "2fa_code",
		Code:    code,
		Message: fmt.Sprintf("Tap %s on your phone to finish signing in", code),
	}
}

func NewAuthComplete(workspace string, err error) AuthComplete {
	m := AuthComplete{Type: "auth_complete", Success: err == nil, Workspace: workspace}
	if err != nil {
		m.Workspace = ""
		m.Error = err.Error()
	}
	return m
}

type InputKind int

const (
	InputUnknown InputKind = iota
	InputMouse
	InputKey
	InputScroll
	InputPing
)

// Input is one decoded client message. Exactly one of Mouse, Key and
// Scroll is set for the matching Kind.
type Input struct {
	Kind   InputKind
	Type   string
	Mouse  *browser.MouseEvent
	Key    *browser.KeyEvent
	Scroll *browser.ScrollEvent
}

type wireInput struct {
	Type       string  `json:"type"`
	EventType  string  `json:"eventType"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Button     string  `json:"button"`
	ClickCount int     `json:"clickCount"`
	Key        string  `json:"key"`
	Code       string  `json:"code"`
	Text       string  `json:"text"`
	Modifiers  int     `json:"modifiers"`
	DeltaX     float64 `json:"deltaX"`
	DeltaY     float64 `json:"deltaY"`
}

// Decode parses a client message. Unknown types decode to InputUnknown
// without error; malformed JSON and invalid events are errors.
func Decode(data []byte) (Input, error) {
	var w wireInput
	if err := json.Unmarshal(data, &w); err != nil {
		return Input{}, fmt.Errorf("decode message: %w", err)
	}
	in := Input{Type: w.Type}
	switch w.Type {
	case "mouse":
		ev := browser.MouseEvent{
			Action:     browser.MouseAction(w.EventType),
			X:          w.X,
			Y:          w.Y,
			Button:     w.Button,
			ClickCount: w.ClickCount,
			Modifiers:  w.Modifiers,
		}
		if err := ev.Validate(); err != nil {
			return Input{}, err
		}
		in.Kind, in.Mouse = InputMouse, &ev
	case "key":
		ev := browser.KeyEvent{
			Action:    browser.KeyAction(w.EventType),
			Key:       w.Key,
			Code:      w.Code,
			Text:      w.Text,
			Modifiers: w.Modifiers,
		}
		if err := ev.Validate(); err != nil {
			return Input{}, err
		}
		in.Kind, in.Key = InputKey, &ev
	case "scroll":
		in.Kind = InputScroll
		in.Scroll = &browser.ScrollEvent{X: w.X, Y: w.Y, DeltaX: w.DeltaX, DeltaY: w.DeltaY}
	case "ping":
		in.Kind = InputPing
	}
	return in, nil
}
