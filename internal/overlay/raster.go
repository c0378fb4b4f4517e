package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

var (
	fontOnce sync.Once
	ttf      *truetype.Font
	fontErr  error
)

func loadFont() (*truetype.Font, error) {
	fontOnce.Do(func() {
		ttf, fontErr = truetype.Parse(goregular.TTF)
	})
	return ttf, fontErr
}

var classColors = map[string]color.RGBA{
	"RED_LIGHT":    {255, 59, 48, 255},
	"STOP":         {220, 20, 60, 255},
	"YIELD":        {255, 149, 0, 255},
	"SPEED_LIMIT":  {0, 122, 255, 255},
	"GREEN_LIGHT":  {52, 199, 89, 255},
	"YELLOW_LIGHT": {255, 204, 0, 255},
}

// ColorFor returns the stroke colour used for class.
func ColorFor(class string) color.RGBA {
	if c, ok := classColors[class]; ok {
		return c
	}
	return color.RGBA{0, 255, 255, 255}
}

// Rasterize draws ops over a copy of src and returns it. The label font scales
// with the image height.
func Rasterize(src image.Image, ops []Op) (*image.RGBA, error) {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	f, err := loadFont()
	if err != nil {
		return nil, err
	}
	size := max(12, float64(b.Dy())/40)
	face := truetype.NewFace(f, &truetype.Options{Size: size})
	defer face.Close()

	dc := gg.NewContextForRGBA(dst)
	dc.SetFontFace(face)
	lineWidth := max(2, float64(b.Dy())/240)

	for _, op := range ops {
		switch op.Kind {
		case KindClear:
			// The frame underneath is redrawn from scratch every time.
		case KindRect:
			dc.SetColor(ColorFor(op.Class))
			dc.SetLineWidth(lineWidth)
			dc.DrawRectangle(op.Box.X, op.Box.Y, op.Box.W, op.Box.H)
			dc.Stroke()
		case KindLabel:
			drawLabel(dc, op, size)
		}
	}
	return dst, nil
}

func drawLabel(dc *gg.Context, op Op, size float64) {
	w, h := dc.MeasureString(op.Text)
	pad := size / 4
	x := op.Box.X
	y := op.Box.Y - h - 2*pad
	if y < 0 {
		y = op.Box.Y
	}
	dc.SetColor(ColorFor(op.Class))
	dc.DrawRectangle(x, y, w+2*pad, h+2*pad)
	dc.Fill()
	dc.SetColor(color.Black)
	dc.DrawStringAnchored(op.Text, x+pad, y+pad, 0, 1)
}
