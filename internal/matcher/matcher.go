// Package matcher maps the faces in a frame to gallery identities.
package matcher

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	DefaultScale     = 0.25
	DefaultTolerance = 0.5
	UnknownLabel     = "Unknown"
)

// Policy decides which gallery entry wins when several pass the tolerance.
type Policy int

const (
	// FirstMatch picks the first passing entry in gallery order.
	FirstMatch Policy = iota
	// Nearest picks the passing entry with the smallest distance.
	Nearest
)

// ParsePolicy maps "first" / "nearest" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "first", "":
		return FirstMatch, nil
	case "nearest":
		return Nearest, nil
	}
	return FirstMatch, fmt.Errorf("unknown match policy %q", s)
}

// Metric is a distance between two embeddings.
type Metric func(a, b []float64) float64

// ParseMetric maps "euclidean" / "cosine" to a Metric.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "euclidean", "":
		return utils.EuclideanDist, nil
	case "cosine":
		return utils.CosineDist, nil
	}
	return nil, fmt.Errorf("unknown metric %q", s)
}

var (
	boxColor   = color.RGBA{255, 0, 0, 255}
	labelColor = color.RGBA{127, 255, 0, 255}
)

const boxThickness = 2

// Match is the outcome for one detected face, in full-frame coordinates.
type Match struct {
	Box      types.Box
	ID       string // UnknownLabel when Known is false
	Known    bool
	Distance float64 // distance to the chosen entry; 0 when unknown
}

// Result is the per-frame output. Frame is for display only.
type Result struct {
	Frame   *image.RGBA
	Matches []Match
	IDs     types.IdentitySet
}

type Matcher struct {
	enc       types.FaceEncoder
	scale     float64
	tolerance float64
	metric    Metric
	policy    Policy
	annotate  bool
}

type Option func(*Matcher)

func WithScale(s float64) Option { return func(m *Matcher) { m.scale = s } }
func WithTolerance(t float64) Option { return func(m *Matcher) { m.tolerance = t } }
func WithMetric(fn Metric) Option { return func(m *Matcher) { m.metric = fn } }
func WithPolicy(p Policy) Option { return func(m *Matcher) { m.policy = p } }
func WithoutAnnotation() Option { return func(m *Matcher) { m.annotate = false } }

func New(enc types.FaceEncoder, opts ...Option) *Matcher {
	m := &Matcher{
		enc:       enc,
		scale:     DefaultScale,
		tolerance: DefaultTolerance,
		metric:    utils.EuclideanDist,
		policy:    FirstMatch,
		annotate:  true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match detects faces in frame, identifies them against g and annotates a
// full-resolution copy of the frame. A frame without faces is not an error.
func (m *Matcher) Match(ctx context.Context, frame image.Image, g *gallery.Gallery) (*Result, error) {
	full := toRGBA(frame)

	// Detection runs on a downsampled copy for throughput.
	small := downscale(full, m.scale)

	faces, err := m.enc.Encode(ctx, small)
	if err != nil {
		return nil, fmt.Errorf("face encoding failed: %w", err)
	}

	res := &Result{Frame: full, IDs: make(types.IdentitySet)}
	inv := 1.0 / m.scale
	for _, face := range faces {
		match := m.identify(face.Vec, g)
		match.Box = face.Box.Scale(inv)
		if match.Known {
			res.IDs.Add(match.ID)
		}
		res.Matches = append(res.Matches, match)

		if m.annotate {
			drawBox(full, match.Box.Rect())
			drawLabel(full, match.Box.Left, match.Box.Top-10, match.ID)
		}
	}
	return res, nil
}

// identify applies the tolerance and the selection policy.
func (m *Matcher) identify(vec types.Embedding, g *gallery.Gallery) Match {
	best := Match{ID: UnknownLabel}
	for i := 0; i < g.Len(); i++ {
		known := g.At(i)
		d := m.metric(vec, known.Vec)
		if d > m.tolerance {
			continue
		}
		if !best.Known || (m.policy == Nearest && d < best.Distance) {
			best = Match{ID: known.ID, Known: true, Distance: d}
		}
		if m.policy == FirstMatch {
			break
		}
	}
	return best
}

// toRGBA returns a private RGBA copy so annotation never touches the caller's frame.
func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func downscale(src *image.RGBA, scale float64) *image.RGBA {
	if scale >= 1 {
		return src
	}
	b := src.Bounds()
	w := max(1, int(float64(b.Dx())*scale))
	h := max(1, int(float64(b.Dy())*scale))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// drawBox paints a hollow rectangle, clipped to the image bounds.
func drawBox(img *image.RGBA, r image.Rectangle) {
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+boxThickness),
		image.Rect(r.Min.X, r.Max.Y-boxThickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+boxThickness, r.Max.Y),
		image.Rect(r.Max.X-boxThickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	fill := image.NewUniform(boxColor)
	for _, e := range edges {
		e = e.Intersect(img.Bounds())
		if e.Empty() {
			continue
		}
		draw.Draw(img, e, fill, image.Point{}, draw.Src)
	}
}

func drawLabel(img *image.RGBA, x, y int, label string) {
	face := basicfont.Face7x13
	if y < face.Ascent {
		y = face.Ascent
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(label)
}
