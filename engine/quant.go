package engine

import (
	iface "DetOverlay/interface"
)

// Dequantize maps one fixed-point byte to float: (raw - zp) * scale.
func Dequantize(raw uint8, q iface.QuantParams) float32 {
	return float32(int(raw)-q.ZeroPoint) * float32(q.Scale)
}

// DequantizeInto dequantizes a batch of bytes into out. out must be at least
// as long as in.
func DequantizeInto(in []uint8, out []float32, q iface.QuantParams) {
	scale := float32(q.Scale)
	for i, v := range in {
		out[i] = float32(int(v)-q.ZeroPoint) * scale
	}
}

// Floats returns buf as float32 values. Float buffers are returned as is,
// FixedPoint buffers are dequantized into a new slice. The bool is false when
// the buffer is missing or empty, which the decoder treats as an absent role.
func Floats(buf iface.TensorBuffer) ([]float32, bool) {
	switch b := buf.(type) {
	case *iface.Float:
		if b == nil || len(b.Data) == 0 {
			return nil, false
		}
		return b.Data, true
	case *iface.FixedPoint:
		if b == nil || len(b.Data) == 0 {
			return nil, false
		}
		out := make([]float32, len(b.Data))
		DequantizeInto(b.Data, out, b.Quant)
		return out, true
	default:
		return nil, false
	}
}

// ByteLen is the size of buf's payload in bytes, 0 for a nil buffer.
func ByteLen(buf iface.TensorBuffer) int {
	switch b := buf.(type) {
	case *iface.FixedPoint:
		return b.Len()
	case *iface.Float:
		return b.Len() * 4
	}
	return 0
}
