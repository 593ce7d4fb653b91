package tracker

import (
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
)

var paletteHex = []string{
	"#0000FF", // blue
	"#FF0000", // red
	"#00FF00", // green
	"#FFFF00", // yellow
	"#00FFFF", // cyan
	"#FF00FF", // magenta
	"#FFFFFF", // white
	"#55FF55",
	"#FFA500",
	"#FF8888",
	"#AAAAFF",
	"#FFFFAA",
	"#55AAAA",
	"#AA33AA",
	"#0D0068",
}

// Swatch is one palette entry.
type Swatch struct {
	RGBA color.RGBA
	Hex  string
}

// Palette 每帧从头开始分配颜色，数量即每帧最多显示的检测数
var Palette = mustPalette(paletteHex)

func mustPalette(hexes []string) []Swatch {
	p, err := ParsePalette(hexes)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePalette converts "#RRGGBB" strings into swatches.
func ParsePalette(hexes []string) ([]Swatch, error) {
	out := make([]Swatch, 0, len(hexes))
	for _, h := range hexes {
		c, err := colorful.Hex(h)
		if err != nil {
			return nil, err
		}
		r, g, b := c.RGB255()
		out = append(out, Swatch{RGBA: color.RGBA{R: r, G: g, B: b, A: 0xff}, Hex: c.Hex()})
	}
	return out, nil
}
