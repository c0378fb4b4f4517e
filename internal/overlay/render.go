// Package overlay turns detections into draw operations for a display surface.
package overlay

import (
	"fmt"
	"math"

	"github.com/vision-alert/alert-server/pkg/types"
)

// Kind identifies a draw operation.
type Kind string

const (
	KindClear Kind = "clear"
	KindRect  Kind = "rect"
	KindLabel Kind = "label"
)

// Op is one draw operation in display coordinates. Clear ops carry no geometry;
// Label ops anchor Text at the top-left corner of Box.
type Op struct {
	Kind  Kind       `json:"kind"`
	Box   types.BBox `json:"box,omitzero"`
	Text  string     `json:"text,omitempty"`
	Class string     `json:"class,omitempty"`
}

// Clear returns the op list that wipes the surface.
func Clear() []Op {
	return []Op{{Kind: KindClear}}
}

// Label formats the caption drawn next to a box, e.g. "STOP 92%".
func Label(d types.Detection) string {
	return fmt.Sprintf("%s %d%%", d.Class, int(math.Round(d.Confidence*100)))
}

// Scale maps a box from source-frame pixels to display pixels with independent
// horizontal and vertical factors.
func Scale(b types.BBox, src, dst types.Size) types.BBox {
	if !src.Valid() || !dst.Valid() {
		return b
	}
	sx := float64(dst.Width) / float64(src.Width)
	sy := float64(dst.Height) / float64(src.Height)
	return types.BBox{X: b.X * sx, Y: b.Y * sy, W: b.W * sx, H: b.H * sy}
}

// Render always starts with a Clear op so boxes from an earlier cycle never
// survive, followed by a Rect and a Label per detection.
func Render(dets []types.Detection, src, dst types.Size) []Op {
	ops := make([]Op, 0, 1+2*len(dets))
	ops = append(ops, Op{Kind: KindClear})
	for _, d := range dets {
		box := Scale(d.BBox, src, dst)
		ops = append(ops,
			Op{Kind: KindRect, Box: box, Class: d.Class},
			Op{Kind: KindLabel, Box: box, Text: Label(d), Class: d.Class},
		)
	}
	return ops
}
