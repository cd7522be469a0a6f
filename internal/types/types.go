package types

import (
	"context"
	"image"
	"sort"
)

// Box is a face bounding box in pixel coordinates, in the
// (top, right, bottom, left) order the vision worker reports.
type Box struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Rect converts the box to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// Scale multiplies every coordinate by f, rounding to the nearest pixel.
func (b Box) Scale(f float64) Box {
	r := func(v int) int {
		x := float64(v) * f
		if x < 0 {
			return int(x - 0.5)
		}
		return int(x + 0.5)
	}
	return Box{Top: r(b.Top), Right: r(b.Right), Bottom: r(b.Bottom), Left: r(b.Left)}
}

// Embedding is a fixed-length face descriptor (128-d for the dlib model)
type Embedding []float64

// Face is one detection returned by the vision worker
type Face struct {
	Box Box       `json:"box"`
	Vec Embedding `json:"vec"`
}

// FaceEncoder is the boundary to the detection/embedding capability.
// Encode returns one Face per detected region, in detector order.
type FaceEncoder interface {
	Encode(ctx context.Context, img image.Image) ([]Face, error)
}

// IdentitySet is a set of identity labels.
type IdentitySet map[string]struct{}

// NewIdentitySet builds a set from the given labels.
func NewIdentitySet(ids ...string) IdentitySet {
	s := make(IdentitySet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IdentitySet) Add(id string) { s[id] = struct{}{} }

func (s IdentitySet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the labels in lexical order.
func (s IdentitySet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
