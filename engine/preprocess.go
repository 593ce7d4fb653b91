package engine

import (
	iface "DetOverlay/interface"
	"image"

	"github.com/disintegration/imaging"
)

// RotateUpright turns a sensor frame by rotation degrees clockwise so the
// model sees it upright.
func RotateUpright(img image.Image, rotation int) image.Image {
	switch ((rotation % 360) + 360) % 360 {
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// Preprocess builds the model input tensor from a frame: rotate upright,
// stretch to size x size, then pack RGB either as raw bytes (quantized input)
// or as floats normalized to [-1, 1].
func Preprocess(img image.Image, rotation, size int, quantized bool) iface.TensorBuffer {
	resized := imaging.Resize(RotateUpright(img, rotation), size, size, imaging.Linear)
	px := resized.Pix
	n := size * size

	if quantized {
		out := make([]byte, 0, n*3)
		for y := 0; y < size; y++ {
			row := px[y*resized.Stride : y*resized.Stride+size*4]
			for x := 0; x < size; x++ {
				out = append(out, row[x*4], row[x*4+1], row[x*4+2])
			}
		}
		return &iface.FixedPoint{Data: out, Quant: iface.QuantParams{Scale: 1}}
	}

	out := make([]float32, 0, n*3)
	for y := 0; y < size; y++ {
		row := px[y*resized.Stride : y*resized.Stride+size*4]
		for x := 0; x < size; x++ {
			out = append(out,
				(float32(row[x*4])-ImageMean)/ImageStd,
				(float32(row[x*4+1])-ImageMean)/ImageStd,
				(float32(row[x*4+2])-ImageMean)/ImageStd,
			)
		}
	}
	return &iface.Float{Data: out}
}
