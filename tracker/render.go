package tracker

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	boxStroke   = 3.0
	debugStroke = 8.0
	textSize    = 18.0
	debugText   = 60.0
	// boxes are lifted by this share of their top edge to make room for
	// the label
	topLift = 0.03
)

var regular *truetype.Font

func init() {
	var err error
	regular, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

func face(size float64) font.Face {
	return truetype.NewFace(regular, &truetype.Options{Size: size})
}

// LabelText formats a tracked detection as "<label> <confidence%>".
func LabelText(label string, confidence float32) string {
	if label == "" {
		return fmt.Sprintf("%.2f%%", 100*confidence)
	}
	return fmt.Sprintf("%s %.2f%%", label, 100*confidence)
}

// Render draws the tracked detections of ov onto dc.
func Render(dc *gg.Context, ov Overlay) {
	dc.SetFontFace(face(textSize))
	dc.SetLineWidth(boxStroke)
	dc.SetLineCapRound()
	dc.SetLineJoinRound()
	for _, td := range ov.Tracked {
		r := td.Box
		top := float64(r.Top) - topLift*math.Abs(float64(r.Top))
		w, h := float64(r.Width()), float64(r.Bottom)-top
		corner := min(w, h) / 8

		dc.SetColor(td.Color)
		dc.DrawRoundedRectangle(float64(r.Left), top, w, h, corner)
		dc.Stroke()
		borderedText(dc, LabelText(td.Label, td.Confidence), float64(r.Left)+corner, top, td.Color)
	}
}

// RenderDebug draws the raw mapped rectangles with their confidences.
func RenderDebug(dc *gg.Context, ov Overlay) {
	dc.SetFontFace(face(debugText))
	dc.SetLineWidth(debugStroke)
	for _, sr := range ov.ScreenRects {
		r := sr.Rect
		dc.SetColor(color.RGBA{R: 200, A: 200})
		dc.DrawRectangle(float64(r.Left), float64(r.Top), float64(r.Width()), float64(r.Height()))
		dc.Stroke()
		text := fmt.Sprintf("%g", sr.Confidence)
		dc.SetColor(color.White)
		dc.DrawString(text, float64(r.Left), float64(r.Top))
		c := r.Center()
		borderedText(dc, text, float64(c.X), float64(c.Y), color.White)
	}
}

// RenderImage renders ov onto a transparent canvas the size of the display.
func RenderImage(ov Overlay, debug bool) image.Image {
	w, h := ov.Geometry.DisplayWidth, ov.Geometry.DisplayHeight
	if w <= 0 || h <= 0 {
		w, h = 1, 1
	}
	dc := gg.NewContext(w, h)
	Render(dc, ov)
	if debug {
		RenderDebug(dc, ov)
	}
	return dc.Image()
}

// borderedText draws text with a black outline below a filled background
// in the box color.
func borderedText(dc *gg.Context, text string, x, y float64, bg color.Color) {
	tw, th := dc.MeasureString(text)
	dc.SetColor(bg)
	dc.DrawRectangle(x, y-th, tw, th)
	dc.Fill()
	dc.SetColor(color.Black)
	for _, off := range [][2]float64{{-1, -1}, {1, -1}, {-1, 1}, {1, 1}} {
		dc.DrawString(text, x+off[0], y+off[1])
	}
	dc.SetColor(color.White)
	dc.DrawString(text, x, y)
}
