package engine

import (
	iface "DetOverlay/interface"

	"go.uber.org/zap"
)

const dumpSample = 8

// DumpOutputs logs every output tensor's type, quantization and first few
// values at debug level.
func DumpOutputs(log *zap.Logger, descs []iface.TensorDescriptor, outputs map[int]iface.TensorBuffer) {
	if log == nil || !log.Core().Enabled(zap.DebugLevel) {
		return
	}
	for _, d := range descs {
		fields := []zap.Field{
			zap.Int("index", d.Index),
			zap.String("name", d.Name),
			zap.Ints("shape", d.Shape),
			zap.Stringer("dtype", d.Type),
		}
		switch b := outputs[d.Index].(type) {
		case *iface.FixedPoint:
			raw := make([]int, 0, dumpSample)
			for _, v := range b.Data[:min(dumpSample, len(b.Data))] {
				raw = append(raw, int(v))
			}
			fields = append(fields,
				zap.Float64("scale", b.Quant.Scale),
				zap.Int("zeroPoint", b.Quant.ZeroPoint),
				zap.Ints("raw", raw))
		case *iface.Float:
			fields = append(fields, zap.Float32s("values", b.Data[:min(dumpSample, len(b.Data))]))
		default:
			fields = append(fields, zap.Bool("bound", false))
		}
		log.Debug("output tensor", fields...)
	}
}
