package browser

import "fmt"

// Modifier bits, matching the CDP Input domain.
const (
	ModAlt   = 1
	ModCtrl  = 2
	ModMeta  = 4
	ModShift = 8
)

type MouseAction string

const (
	MousePressed  MouseAction = "pressed"
	MouseReleased MouseAction = "released"
	MouseMoved    MouseAction = "moved"
)

type KeyAction string

const (
	KeyDown KeyAction = "down"
	KeyUp   KeyAction = "up"
)

// MouseEvent coordinates are in the virtual viewport, not device pixels.
type MouseEvent struct {
	Action     MouseAction
	X, Y       float64
	Button     string
	ClickCount int
	Modifiers  int
}

type KeyEvent struct {
	Action    KeyAction
	Key       string
	Code      string
	Text      string
	Modifiers int
}

type ScrollEvent struct {
	X, Y           float64
	DeltaX, DeltaY float64
}

// Viewport is the fixed virtual screen every session renders at.
type Viewport struct {
	Width, Height int
}

// Clamp pins a point to the viewport.
func (v Viewport) Clamp(x, y float64) (float64, float64) {
	return clamp(x, 0, float64(v.Width-1)), clamp(y, 0, float64(v.Height-1))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (e MouseEvent) Validate() error {
	switch e.Action {
	case MousePressed, MouseReleased, MouseMoved:
	default:
		return fmt.Errorf("unknown mouse event type %q", e.Action)
	}
	switch e.Button {
	case "", "none", "left", "middle", "right", "back", "forward":
	default:
		return fmt.Errorf("unknown mouse button %q", e.Button)
	}
	return nil
}

func (e KeyEvent) Validate() error {
	switch e.Action {
	case KeyDown, KeyUp:
	default:
		return fmt.Errorf("unknown key event type %q", e.Action)
	}
	if e.Key == "" {
		return fmt.Errorf("key required")
	}
	if e.Modifiers < 0 || e.Modifiers > ModAlt|ModCtrl|ModMeta|ModShift {
		return fmt.Errorf("modifiers out of range: %d", e.Modifiers)
	}
	return nil
}
