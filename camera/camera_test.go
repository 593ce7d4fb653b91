package camera

import (
	iface "DetOverlay/interface"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceArg(t *testing.T) {
	assert.Equal(t, 0, DeviceArg("0"))
	assert.Equal(t, 2, DeviceArg("2"))
	assert.Equal(t, "rtsp://cam/stream", DeviceArg("rtsp://cam/stream"))
	assert.Equal(t, "/dev/video0", DeviceArg("/dev/video0"))
}

func TestResize(t *testing.T) {
	g := iface.FrameGeometry{SourceWidth: 640, SourceHeight: 480, Rotation: 90, DisplayWidth: 480, DisplayHeight: 640}
	same, changed := resize(g, 640, 480)
	assert.False(t, changed)
	assert.Equal(t, g, same)

	next, changed := resize(g, 1280, 720)
	assert.True(t, changed)
	assert.Equal(t, 1280, next.SourceWidth)
	assert.Equal(t, 720, next.SourceHeight)
	assert.Equal(t, 90, next.Rotation)
	assert.Equal(t, 480, next.DisplayWidth)
}

func TestNextAfterClose(t *testing.T) {
	s := &Source{closed: true}
	_, err := s.Next()
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Close())
}
