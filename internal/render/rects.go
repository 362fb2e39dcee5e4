package render

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"
)

// ErrFrameNotInitialized is returned when rectangles are pushed before
// the frame was initialized.
var ErrFrameNotInitialized = errors.New("rect frame not initialized")

// PipelineError reports an unusable rect pipeline configuration.
type PipelineError struct {
	Reason string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("invalid rect pipeline: %s", e.Reason)
}

// ShortBufferError reports an instance buffer smaller than its declared count.
type ShortBufferError struct {
	Want int
	Got  int
}

func (e *ShortBufferError) Error() string {
	return fmt.Sprintf("rect buffer holds %d bytes, %d instances need %d", e.Got, e.Want/DrawRectSize, e.Want)
}

// DrawRectSize is the byte size of one rect instance record.
const DrawRectSize = 12

// VertexLayout describes where each instance attribute lives in a record.
type VertexLayout struct {
	Stride      int
	XOffset     int
	WidthOffset int
	ColorOffset int
}

// DefaultVertexLayout is x float32 at 0, width float32 at 4 and
// RGBA bytes at 8.
var DefaultVertexLayout = VertexLayout{
	Stride:      DrawRectSize,
	XOffset:     0,
	WidthOffset: 4,
	ColorOffset: 8,
}

// Validate checks that every attribute fits inside the stride without overlap.
func (l VertexLayout) Validate() error {
	if l.Stride <= 0 {
		return &PipelineError{Reason: "stride must be positive"}
	}
	type attr struct {
		name        string
		offset, len int
	}
	attrs := []attr{
		{"x", l.XOffset, 4},
		{"width", l.WidthOffset, 4},
		{"color", l.ColorOffset, 4},
	}
	for i, a := range attrs {
		if a.offset < 0 || a.offset+a.len > l.Stride {
			return &PipelineError{Reason: fmt.Sprintf("attribute %s at %d exceeds stride %d", a.name, a.offset, l.Stride)}
		}
		for _, b := range attrs[i+1:] {
			if a.offset < b.offset+b.len && b.offset < a.offset+a.len {
				return &PipelineError{Reason: fmt.Sprintf("attributes %s and %s overlap", a.name, b.name)}
			}
		}
	}
	return nil
}

// QuadPositions is the unit quad every instance is scaled from.
var QuadPositions = [4][2]float64{{0, 0}, {1, 0}, {0, 1}, {1, 1}}

// QuadIndices splits the quad into two triangles.
var QuadIndices = [6]uint16{0, 1, 2, 2, 1, 3}

// Instance is one decoded rect record.
type Instance struct {
	X     float32
	Width float32
	Color Color
}

// DecodeInstance reads record i of buf.
func (l VertexLayout) DecodeInstance(buf []byte, i int) Instance {
	rec := buf[i*l.Stride:]
	return Instance{
		X:     math.Float32frombits(binary.LittleEndian.Uint32(rec[l.XOffset:])),
		Width: math.Float32frombits(binary.LittleEndian.Uint32(rec[l.WidthOffset:])),
		Color: Color{
			R: rec[l.ColorOffset],
			G: rec[l.ColorOffset+1],
			B: rec[l.ColorOffset+2],
			A: rec[l.ColorOffset+3],
		},
	}
}

// VertexToClip maps a quad corner to clip space. The quad is scaled by
// (width, height), offset by (x, y), all in CSS pixels, and Y is flipped
// so that the origin is the top-left corner.
func VertexToClip(pos [2]float64, x, width, y, height, dpr float64, resolution [2]float64) [2]float64 {
	px := x*dpr + pos[0]*width*dpr
	py := y*dpr + pos[1]*height*dpr
	cx := px/resolution[0]*2 - 1
	cy := py/resolution[1]*2 - 1
	return [2]float64{cx, -cy}
}

// clipToWindow maps clip space back to device pixels with a top-left origin.
func clipToWindow(c [2]float64, resolution [2]float64) (float64, float64) {
	return (c[0] + 1) / 2 * resolution[0], (1 - c[1]) / 2 * resolution[1]
}

// RectRenderer rasterizes batches of instanced rectangles onto a RectSurface.
type RectRenderer struct {
	surface    *RectSurface
	layout     VertexLayout
	dpr        float64
	resolution [2]float64
	ready      bool

	draws     int
	instances int
}

// NewRectRenderer builds the pipeline. An invalid layout is fatal.
func NewRectRenderer(surface *RectSurface, layout VertexLayout) (*RectRenderer, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &RectRenderer{surface: surface, layout: layout}, nil
}

// SetSurface retargets the renderer. The next batch needs InitFrame again.
func (r *RectRenderer) SetSurface(s *RectSurface) {
	r.surface = s
	r.ready = false
}

// Surface returns the current target.
func (r *RectRenderer) Surface() *RectSurface {
	return r.surface
}

// InitFrame resets the viewport to the whole surface, clears it to an
// opaque clear color and records the per-frame uniforms.
func (r *RectRenderer) InitFrame(clear Color, dpr float64) {
	clear.A = 255
	img := r.surface.Image()
	draw.Draw(img, img.Bounds(), image.NewUniform(clear.NRGBA()), image.Point{}, draw.Src)

	w, h := r.surface.Size()
	r.dpr = dpr
	r.resolution = [2]float64{float64(w), float64(h)}
	r.ready = true
}

// PushRects draws count instances from buf in a single row at y with the
// given height, both in CSS pixels.
func (r *RectRenderer) PushRects(buf []byte, count int, y, height float64) error {
	if !r.ready {
		return ErrFrameNotInitialized
	}
	if count <= 0 {
		return nil
	}
	if want := count * r.layout.Stride; len(buf) < want {
		return &ShortBufferError{Want: want, Got: len(buf)}
	}

	img := r.surface.Image()
	for i := 0; i < count; i++ {
		inst := r.layout.DecodeInstance(buf, i)
		if inst.Color.A == 0 {
			continue
		}
		rect, ok := r.coverage(float64(inst.X), float64(inst.Width), y, height)
		if !ok {
			continue
		}
		draw.Draw(img, rect, image.NewUniform(inst.Color.NRGBA()), image.Point{}, draw.Over)
	}

	r.draws++
	r.instances += count
	return nil
}

// coverage returns the pixels whose centres fall inside the instance's
// two triangles.
func (r *RectRenderer) coverage(x, width, y, height float64) (image.Rectangle, bool) {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, idx := range QuadIndices {
		c := VertexToClip(QuadPositions[idx], x, width, y, height, r.dpr, r.resolution)
		wx, wy := clipToWindow(c, r.resolution)
		minX, maxX = math.Min(minX, wx), math.Max(maxX, wx)
		minY, maxY = math.Min(minY, wy), math.Max(maxY, wy)
	}
	for _, v := range []float64{minX, minY, maxX, maxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return image.Rectangle{}, false
		}
	}

	// A pixel is covered when its centre lies in [min, max).
	rect := image.Rect(
		int(math.Ceil(minX-0.5)),
		int(math.Ceil(minY-0.5)),
		int(math.Ceil(maxX-0.5)),
		int(math.Ceil(maxY-0.5)),
	).Intersect(r.surface.Image().Bounds())
	return rect, !rect.Empty()
}

// Stats returns the number of draw calls and instances since creation.
func (r *RectRenderer) Stats() (draws, instances int) {
	return r.draws, r.instances
}
