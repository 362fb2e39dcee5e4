// Package render executes the drawing commands a guest issues during a frame.
package render

import (
	"errors"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/fogleman/gg"
)

// ErrDetached is returned when a surface handle is used after its
// ownership moved elsewhere.
var ErrDetached = errors.New("surface handle detached")

// Dims is a surface size in CSS pixels.
type Dims struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Device returns the size in device pixels. Fractions are truncated, like
// assigning to a canvas width.
func (d Dims) Device(dpr float64) (int, int) {
	w := int(math.Floor(d.Width * dpr))
	h := int(math.Floor(d.Height * dpr))
	return max(w, 1), max(h, 1)
}

// Viewport is the device pixel ratio and the sizes of both surfaces.
type Viewport struct {
	DPR  float64 `json:"dpr"`
	Text Dims    `json:"text_dims"`
	Rect Dims    `json:"rect_dims"`
}

// Color is a non-premultiplied RGBA color.
type Color struct {
	R, G, B, A uint8
}

func clampByte(v float64) uint8 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(v))
}

// RGBA255 builds a color from channels in [0, 255].
func RGBA255(r, g, b, a float64) Color {
	return Color{clampByte(r), clampByte(g), clampByte(b), clampByte(a)}
}

// RGBAUnitAlpha builds a color from channels in [0, 255] and alpha in [0, 1].
// Alpha above 1 saturates.
func RGBAUnitAlpha(r, g, b, a float64) Color {
	return Color{clampByte(r), clampByte(g), clampByte(b), clampByte(a * 255)}
}

// NRGBA converts c to the image/color type.
func (c Color) NRGBA() color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: c.A}
}

// TextSurface is the 2D vector and text drawing surface.
type TextSurface struct {
	dc *gg.Context
}

// NewTextSurface allocates a surface of w x h device pixels.
func NewTextSurface(w, h int) *TextSurface {
	return &TextSurface{dc: gg.NewContext(max(w, 1), max(h, 1))}
}

// Resize replaces the backing store. Like a canvas, all drawing state
// (clip, font, colors) is reset.
func (s *TextSurface) Resize(w, h int) {
	s.dc = gg.NewContext(max(w, 1), max(h, 1))
}

// Context returns the gg drawing context.
func (s *TextSurface) Context() *gg.Context {
	return s.dc
}

// Image returns the current pixels.
func (s *TextSurface) Image() image.Image {
	return s.dc.Image()
}

// Size returns the surface size in device pixels.
func (s *TextSurface) Size() (int, int) {
	return s.dc.Width(), s.dc.Height()
}

// RectSurface is the target of the instanced rectangle pipeline.
type RectSurface struct {
	img *image.RGBA
}

// NewRectSurface allocates a surface of w x h device pixels.
func NewRectSurface(w, h int) *RectSurface {
	return &RectSurface{img: image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))}
}

// Resize replaces the backing store.
func (s *RectSurface) Resize(w, h int) {
	s.img = image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
}

// Image returns the current pixels.
func (s *RectSurface) Image() *image.RGBA {
	return s.img
}

// Size returns the surface size in device pixels.
func (s *RectSurface) Size() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

// Handle is a transferable reference to a surface. Exactly one live handle
// refers to a surface at a time; transferring detaches the source.
type Handle[T any] struct {
	mu sync.Mutex
	v  *T
}

// NewHandle wraps v.
func NewHandle[T any](v *T) *Handle[T] {
	return &Handle[T]{v: v}
}

// Transfer moves ownership to a new handle and detaches h.
func (h *Handle[T]) Transfer() (*Handle[T], error) {
	v, err := h.Take()
	if err != nil {
		return nil, err
	}
	return &Handle[T]{v: v}, nil
}

// Take returns the surface and detaches h.
func (h *Handle[T]) Take() (*T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.v == nil {
		return nil, ErrDetached
	}
	v := h.v
	h.v = nil
	return v, nil
}

// Detached reports whether ownership has moved away from h.
func (h *Handle[T]) Detached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.v == nil
}
