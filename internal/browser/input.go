package browser

import (
	"context"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
)

var mouseTypes = map[MouseAction]input.MouseType{
	MousePressed:  input.MousePressed,
	MouseReleased: input.MouseReleased,
	MouseMoved:    input.MouseMoved,
}

var mouseButtons = map[string]input.MouseButton{
	"":        input.None,
	"none":    input.None,
	"left":    input.Left,
	"middle":  input.Middle,
	"right":   input.Right,
	"back":    input.Back,
	"forward": input.Forward,
}

// virtualKeyCodes covers the non-printable keys a login form needs;
// without a Windows key code Chrome ignores them.
var virtualKeyCodes = map[string]int64{
	"Backspace":  8,
	"Tab":        9,
	"Enter":      13,
	"Shift":      16,
	"Control":    17,
	"Alt":        18,
	"Escape":     27,
	"PageUp":     33,
	"PageDown":   34,
	"End":        35,
	"Home":       36,
	"ArrowLeft":  37,
	"ArrowUp":    38,
	"ArrowRight": 39,
	"ArrowDown":  40,
	"Delete":     46,
	"Meta":       91,
}

func (c *Chrome) DispatchMouse(ctx context.Context, ev MouseEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	x, y := c.viewport.Clamp(ev.X, ev.Y)
	c.mu.Lock()
	c.lastX, c.lastY = x, y
	c.mu.Unlock()

	p := input.DispatchMouseEvent(mouseTypes[ev.Action], x, y).
		WithButton(mouseButtons[ev.Button]).
		WithModifiers(input.Modifier(ev.Modifiers))
	if ev.Action != MouseMoved {
		count := ev.ClickCount
		if count <= 0 {
			count = 1
		}
		p = p.WithClickCount(int64(count))
	}
	return c.run(ctx, p)
}

func (c *Chrome) DispatchKey(ctx context.Context, ev KeyEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return c.run(ctx, keyParams(ev))
}

func keyParams(ev KeyEvent) *input.DispatchKeyEventParams {
	text := ev.Text
	if text == "" && ev.Key == "Enter" {
		text = "\r"
	}
	// Ctrl/Meta chords are shortcuts, not text input.
	if ev.Modifiers&(ModCtrl|ModMeta) != 0 {
		text = ""
	}

	typ := input.KeyUp
	if ev.Action == KeyDown {
		typ = input.KeyRawDown
		if text != "" {
			typ = input.KeyDown
		}
	}

	p := input.DispatchKeyEvent(typ).
		WithKey(ev.Key).
		WithModifiers(input.Modifier(ev.Modifiers))
	if ev.Code != "" {
		p = p.WithCode(ev.Code)
	}
	if text != "" && typ == input.KeyDown {
		p = p.WithText(text).WithUnmodifiedText(text)
	}
	if vk, ok := virtualKeyCodes[ev.Key]; ok {
		p = p.WithWindowsVirtualKeyCode(vk).WithNativeVirtualKeyCode(vk)
	} else if len(ev.Key) == 1 {
		r := ev.Key[0]
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		p = p.WithWindowsVirtualKeyCode(int64(r))
	}
	return p
}

// DispatchScroll sends a wheel event at the last pointer position when
// the event carries no coordinates of its own.
func (c *Chrome) DispatchScroll(ctx context.Context, ev ScrollEvent) error {
	x, y := ev.X, ev.Y
	if x == 0 && y == 0 {
		c.mu.Lock()
		x, y = c.lastX, c.lastY
		c.mu.Unlock()
		if x == 0 && y == 0 {
			x, y = float64(c.viewport.Width)/2, float64(c.viewport.Height)/2
		}
	}
	x, y = c.viewport.Clamp(x, y)
	return c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, x, y).
			WithDeltaX(ev.DeltaX).
			WithDeltaY(ev.DeltaY).
			Do(ctx)
	}))
}
