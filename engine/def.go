package engine

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004

// image normalization for float input models
const (
	ImageMean = 127.5
	ImageStd  = 127.5
)

const DefaultMaxDetections = 50

func StateName(state int) string {
	switch state {
	case UNREGISTERED:
		return "unregistered"
	case REGISTERED:
		return "registered"
	case IDLE:
		return "idle"
	case BUSY:
		return "busy"
	default:
		return "unknown"
	}
}
