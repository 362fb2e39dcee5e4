package render

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// DescentProbe is the string whose bounding box defines the cached text height.
const DescentProbe = "NothinBelowTheBaseline"

// Generic family names that are always registered.
const (
	FamilySansSerif = "sans-serif"
	FamilyMonospace = "monospace"
)

type faceKey struct {
	family string
	px     float64
}

// FaceSet maps font family names to parsed fonts and caches sized faces.
type FaceSet struct {
	mu       sync.Mutex
	fonts    map[string]*opentype.Font
	faces    map[faceKey]font.Face
	fallback string
}

// NewFaceSet returns a set with the Go fonts registered as sans-serif
// and monospace.
func NewFaceSet() (*FaceSet, error) {
	s := &FaceSet{
		fonts:    make(map[string]*opentype.Font),
		faces:    make(map[faceKey]font.Face),
		fallback: FamilySansSerif,
	}
	if err := s.Register(FamilySansSerif, goregular.TTF); err != nil {
		return nil, err
	}
	if err := s.Register(FamilyMonospace, gomono.TTF); err != nil {
		return nil, err
	}
	return s, nil
}

// Register parses an OpenType or TrueType font and makes it available under family.
// Registering an existing family replaces it.
func (s *FaceSet) Register(family string, data []byte) error {
	f, err := opentype.Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse font %q: %w", family, err)
	}

	name := normalizeFamily(family)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fonts[name] = f
	for k := range s.faces {
		if k.family == name {
			delete(s.faces, k)
		}
	}
	return nil
}

// Families returns the registered family names.
func (s *FaceSet) Families() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.fonts))
	for name := range s.fonts {
		out = append(out, name)
	}
	return out
}

// Resolve picks the first registered family from a CSS-style family list
// such as `"Fira Code", monospace`. Unknown lists resolve to sans-serif.
func (s *FaceSet) Resolve(families string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(families)
}

func (s *FaceSet) resolveLocked(families string) string {
	for _, part := range strings.Split(families, ",") {
		name := normalizeFamily(part)
		if _, ok := s.fonts[name]; ok {
			return name
		}
	}
	return s.fallback
}

// Face returns a face for families at px device pixels.
func (s *FaceSet) Face(families string, px float64) (font.Face, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := faceKey{family: s.resolveLocked(families), px: px}
	if face, ok := s.faces[key]; ok {
		return face, nil
	}
	f, ok := s.fonts[key.family]
	if !ok {
		return nil, fmt.Errorf("no font registered for %q", families)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    px,
		DPI:     72,
		Hinting: font.HintingNone,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s face at %.2fpx: %w", key.family, px, err)
	}
	s.faces[key] = face
	return face, nil
}

func normalizeFamily(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	return strings.ToLower(s)
}

// FontKey identifies the applied font state.
type FontKey struct {
	Size   float64
	Family string
	DPR    float64
}

// String formats the key like a CSS font shorthand in device pixels.
func (k FontKey) String() string {
	return fmt.Sprintf("%gpx %s", k.Size*k.DPR, k.Family)
}

// FontCache holds the currently applied font and its descent metric.
// Applying an unchanged key is a hit and does no work.
type FontCache struct {
	faces *FaceSet

	key     FontKey
	valid   bool
	forced  bool
	face    font.Face
	ascent  float64
	descent float64
	misses  int
}

// NewFontCache creates an empty cache over faces.
func NewFontCache(faces *FaceSet) *FontCache {
	return &FontCache{faces: faces}
}

// Apply makes (size, family, dpr) the current font. It reports whether
// the font state was recomputed.
func (c *FontCache) Apply(size float64, family string, dpr float64) (bool, error) {
	key := FontKey{Size: size, Family: family, DPR: dpr}
	if c.valid && !c.forced && key == c.key {
		return false, nil
	}

	c.misses++
	c.forced = false
	c.key = key
	c.valid = true

	px := size * dpr
	if px <= 0 || math.IsNaN(px) || dpr <= 0 {
		c.face = nil
		c.ascent = 0
		c.descent = 0
		return true, nil
	}

	face, err := c.faces.Face(family, px)
	if err != nil {
		c.valid = false
		return true, err
	}
	c.face = face

	// With a top baseline the descent is measured from the top of the
	// em box, so the ascent is added to the probe's extent below the dot.
	bounds, _ := font.BoundString(face, DescentProbe)
	c.ascent = fixedToFloat(face.Metrics().Ascent)
	c.descent = (c.ascent + fixedToFloat(bounds.Max.Y)) / dpr
	return true, nil
}

// ForceRefresh makes the next Apply recompute even if the key is unchanged.
func (c *FontCache) ForceRefresh() {
	c.forced = true
}

// Key returns the last applied key and whether one was applied.
func (c *FontCache) Key() (FontKey, bool) {
	return c.key, c.valid
}

// Face returns the current face, nil for an empty font.
func (c *FontCache) Face() font.Face {
	return c.face
}

// Ascent returns the ascent of the current face in device pixels.
func (c *FontCache) Ascent() float64 {
	return c.ascent
}

// Descent returns the cached text height in CSS pixels.
func (c *FontCache) Descent() float64 {
	return c.descent
}

// Misses returns how many times font state was recomputed.
func (c *FontCache) Misses() int {
	return c.misses
}

func fixedToFloat(v fixed.Int26_6) float64 {
	return float64(v) / 64
}
