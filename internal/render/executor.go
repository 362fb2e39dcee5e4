package render

import (
	"math"

	"go.uber.org/zap"
	"golang.org/x/image/font"
)

// ArcEndBias extends every stroked arc past its end angle so that it meets
// adjoining lines without a gap.
const ArcEndBias = 0.001

// ClampCornerRadius limits a corner radius so opposite corners never overlap.
func ClampCornerRadius(r, w, h float64) float64 {
	return math.Max(0, math.Min(r, math.Min(w/2, h/2)))
}

// Executor performs the drawing commands of one render context. Canvas
// primitives take device pixels except text positions, which are CSS pixels.
type Executor struct {
	logger   *zap.Logger
	text     *TextSurface
	rects    *RectRenderer
	fonts    *FontCache
	viewport Viewport
}

// NewExecutor creates an executor drawing onto the given surfaces. The
// surfaces are resized to match vp.
func NewExecutor(text *TextSurface, rect *RectSurface, faces *FaceSet, vp Viewport, logger *zap.Logger) (*Executor, error) {
	rects, err := NewRectRenderer(rect, DefaultVertexLayout)
	if err != nil {
		return nil, err
	}
	e := &Executor{
		logger: logger.With(zap.String("component", "executor")),
		text:   text,
		rects:  rects,
		fonts:  NewFontCache(faces),
	}
	e.ApplyViewport(vp)
	return e, nil
}

// Viewport returns the current viewport.
func (e *Executor) Viewport() Viewport {
	return e.viewport
}

// Fonts returns the font metrics cache.
func (e *Executor) Fonts() *FontCache {
	return e.fonts
}

// TextSurface returns the vector and text surface.
func (e *Executor) TextSurface() *TextSurface {
	return e.text
}

// RectSurface returns the instanced rect surface.
func (e *Executor) RectSurface() *RectSurface {
	return e.rects.Surface()
}

// Rects returns the rect pipeline.
func (e *Executor) Rects() *RectRenderer {
	return e.rects
}

// ApplyViewport resizes both surfaces to the new device size and forces
// the font state to be reapplied on the fresh text surface.
func (e *Executor) ApplyViewport(vp Viewport) {
	if vp.DPR <= 0 {
		vp.DPR = 1
	}
	e.viewport = vp

	e.text.Resize(vp.Text.Device(vp.DPR))
	e.rects.Surface().Resize(vp.Rect.Device(vp.DPR))
	e.rects.SetSurface(e.rects.Surface())

	e.fonts.ForceRefresh()
	if key, ok := e.fonts.Key(); ok {
		if err := e.setFont(key.Size, key.Family); err != nil {
			e.logger.Warn("Failed to reapply font after resize", zap.String("font", key.String()), zap.Error(err))
		}
	}

	w, h := e.text.Size()
	e.logger.Debug("Viewport applied",
		zap.Float64("dpr", vp.DPR),
		zap.Int("text_width", w),
		zap.Int("text_height", h))
}

// setFont applies size and family through the cache, touching the surface
// only on a miss.
func (e *Executor) setFont(size float64, family string) error {
	changed, err := e.fonts.Apply(size, family, e.viewport.DPR)
	if err != nil {
		return err
	}
	if changed {
		if face := e.fonts.Face(); face != nil {
			e.text.Context().SetFontFace(face)
		}
	}
	return nil
}

// Clear erases the whole text surface to transparent.
func (e *Executor) Clear() {
	dc := e.text.Context()
	dc.Push()
	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()
	dc.Pop()
}

// Clip replaces the current clip with the given rectangle.
func (e *Executor) Clip(x, y, w, h float64) {
	dc := e.text.Context()
	dc.ResetClip()
	dc.NewSubPath()
	dc.DrawRectangle(x, y, w, h)
	dc.Clip()
}

// FillRect fills an axis-aligned rectangle.
func (e *Executor) FillRect(x, y, w, h float64, c Color) {
	dc := e.text.Context()
	dc.DrawRectangle(x, y, w, h)
	dc.SetColor(c.NRGBA())
	dc.Fill()
}

// FillRoundedRect fills a rectangle with rounded corners.
func (e *Executor) FillRoundedRect(x, y, w, h, r float64, c Color) {
	dc := e.text.Context()
	r = ClampCornerRadius(r, w, h)
	if r == 0 {
		dc.DrawRectangle(x, y, w, h)
	} else {
		dc.DrawRoundedRectangle(x, y, w, h, r)
	}
	dc.SetColor(c.NRGBA())
	dc.Fill()
}

// FillCircle fills a circle.
func (e *Executor) FillCircle(x, y, radius float64, c Color) {
	dc := e.text.Context()
	dc.DrawCircle(x, y, radius)
	dc.SetColor(c.NRGBA())
	dc.Fill()
}

// DrawText draws s with its top-left corner at (x, y) CSS pixels.
func (e *Executor) DrawText(s string, x, y float64, c Color, size float64, family string) error {
	if err := e.setFont(size, family); err != nil {
		return err
	}
	if e.fonts.Face() == nil {
		return nil
	}
	dc := e.text.Context()
	dc.SetColor(c.NRGBA())
	dpr := e.viewport.DPR
	dc.DrawString(s, x*dpr, y*dpr+e.fonts.Ascent())
	return nil
}

// StrokeLine strokes a line segment.
func (e *Executor) StrokeLine(x1, y1, x2, y2 float64, c Color, width float64) {
	dc := e.text.Context()
	dc.NewSubPath()
	dc.MoveTo(x1, y1)
	dc.LineTo(x2, y2)
	dc.SetColor(c.NRGBA())
	dc.SetLineWidth(width)
	dc.Stroke()
}

// StrokeArc strokes an arc between two angles given in the usual
// counter-clockwise, Y-up convention.
func (e *Executor) StrokeArc(x, y, radius, start, end float64, c Color, width float64) {
	from, to := ArcSweep(-start, -end-ArcEndBias)
	if from == to {
		return
	}
	dc := e.text.Context()
	dc.NewSubPath()
	dc.DrawArc(x, y, radius, from, to)
	dc.SetColor(c.NRGBA())
	dc.SetLineWidth(width)
	dc.Stroke()
}

// ArcSweep converts an anticlockwise arc from a1 to a2 into an increasing
// angle range [from, to] covering the same points. A sweep of 2π or more
// is a full circle.
func ArcSweep(a1, a2 float64) (from, to float64) {
	sweep := a1 - a2
	switch {
	case sweep >= 2*math.Pi:
		sweep = 2 * math.Pi
	case sweep < 0:
		sweep = math.Mod(sweep, 2*math.Pi) + 2*math.Pi
	}
	return a1 - sweep, a1
}

// MeasureText returns the advance width of s in CSS pixels.
func (e *Executor) MeasureText(s string, size float64, family string) (float64, error) {
	if err := e.setFont(size, family); err != nil {
		return 0, err
	}
	face := e.fonts.Face()
	if face == nil {
		return 0, nil
	}
	return fixedToFloat(font.MeasureString(face, s)) / e.viewport.DPR, nil
}

// TextHeight returns the cached text height in CSS pixels.
func (e *Executor) TextHeight(size float64, family string) (float64, error) {
	if err := e.setFont(size, family); err != nil {
		return 0, err
	}
	return e.fonts.Descent(), nil
}

// InitFrame prepares the rect surface for a new frame. Alpha is ignored.
func (e *Executor) InitFrame(r, g, b, a float64) {
	e.rects.InitFrame(RGBA255(r, g, b, 255), e.viewport.DPR)
}

// PushRects draws one row of instanced rectangles.
func (e *Executor) PushRects(buf []byte, count int, y, height float64) error {
	return e.rects.PushRects(buf, count, y, height)
}
