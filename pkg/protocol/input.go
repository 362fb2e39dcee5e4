package protocol

import "strings"

// KeyCode is the bit set the guest uses for special keys.
type KeyCode uint32

const (
	KeyShift KeyCode = 1 << iota
	KeyCtrl
	KeyAlt
	KeyBackspace
	KeyEnter
	KeyArrowLeft
	KeyArrowRight
	KeyArrowUp
	KeyArrowDown
	KeyDelete
	KeyHome
	KeyEnd
	KeyTab
)

var keyNames = map[string]KeyCode{
	"Shift":      KeyShift,
	"Control":    KeyCtrl,
	"Meta":       KeyCtrl,
	"Alt":        KeyAlt,
	"Backspace":  KeyBackspace,
	"Enter":      KeyEnter,
	"ArrowLeft":  KeyArrowLeft,
	"ArrowRight": KeyArrowRight,
	"ArrowUp":    KeyArrowUp,
	"ArrowDown":  KeyArrowDown,
	"Delete":     KeyDelete,
	"Home":       KeyHome,
	"End":        KeyEnd,
	"Tab":        KeyTab,
}

// KeyFromName maps a DOM key name to its bit. Meta shares the Ctrl bit.
func KeyFromName(name string) (KeyCode, bool) {
	k, ok := keyNames[name]
	return k, ok
}

// Lines per scroll unit when a wheel event reports line deltas.
const WheelLinePixels = 20

// ColorMode is the persisted appearance preference.
type ColorMode string

const (
	ColorModeAuto  ColorMode = "auto"
	ColorModeDark  ColorMode = "dark"
	ColorModeLight ColorMode = "light"
)

// ColorModeKey is the storage key holding the ColorMode.
const ColorModeKey = "colormode"

// ParseColorMode parses a stored value. Unknown values are rejected.
func ParseColorMode(s string) (ColorMode, bool) {
	switch m := ColorMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ColorModeAuto, ColorModeDark, ColorModeLight:
		return m, true
	}
	return "", false
}

// Cursor names the guest passes to change_cursor.
const (
	CursorDefault  = "default"
	CursorPointer  = "pointer"
	CursorText     = "text"
	CursorGrab     = "grab"
	CursorEWResize = "ew-resize"
)
