package mqtt

import (
	iface "DetOverlay/interface"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	publishErr   error
	sent         []published
	handlers     map[string]mqtt.MessageHandler
	disconnected bool
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, published{topic, qos, retained, payload.([]byte)})
	return &fakeToken{err: c.publishErr}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = map[string]mqtt.MessageHandler{}
	}
	c.handlers[topic] = cb
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func TestPublisherPublish(t *testing.T) {
	c := &fakeClient{connected: true}
	p := NewPublisher(c, "site/detections", 1, false, "node-1", nil)
	p.now = func() time.Time { return time.UnixMilli(1700000000123) }

	dets := []iface.Detection{{ID: "0", Label: "person", ClassIndex: 1, Confidence: 0.9, Box: iface.Rect{Left: 1, Top: 2, Right: 3, Bottom: 4}}}
	require.NoError(t, p.Publish("frame-1", dets))
	require.Len(t, c.sent, 1)
	assert.Equal(t, "site/detections", c.sent[0].topic)
	assert.Equal(t, byte(1), c.sent[0].qos)

	var msg DetectionMessage
	require.NoError(t, json.Unmarshal(c.sent[0].payload, &msg))
	assert.Equal(t, "node-1", msg.NodeID)
	assert.Equal(t, "frame-1", msg.FrameID)
	assert.Equal(t, int64(1700000000123), msg.Timestamp)
	assert.Equal(t, dets, msg.Detections)

	t.Run("empty frame publishes an empty list", func(t *testing.T) {
		require.NoError(t, p.Publish("frame-2", nil))
		assert.Contains(t, string(c.sent[1].payload), `"detections":[]`)
	})

	t.Run("not connected", func(t *testing.T) {
		c.connected = false
		assert.ErrorIs(t, p.Publish("frame-3", nil), ErrNotConnected)
		c.connected = true
	})

	t.Run("broker error", func(t *testing.T) {
		c.publishErr = errors.New("not authorized")
		assert.Error(t, p.Publish("frame-4", nil))
	})

	p.Close()
	assert.True(t, c.disconnected)
}

func TestSubscribeControl(t *testing.T) {
	c := &fakeClient{connected: true}
	current := iface.EngineConfig{Accelerator: iface.AcceleratorCPU, NumThreads: 2, ScoreThreshold: 0.5}
	var applied []iface.EngineConfig
	apply := func(cfg iface.EngineConfig) error {
		if cfg.NumThreads > 8 {
			return errors.New("too many threads")
		}
		applied = append(applied, cfg)
		return nil
	}
	require.NoError(t, SubscribeControl(c, "site/control", 1, func() iface.EngineConfig { return current }, apply, nil))
	cb := c.handlers["site/control"]
	require.NotNil(t, cb)

	cb(nil, &fakeMessage{topic: "site/control", payload: []byte(`{"accelerator":"xnnpack","numThreads":4}`)})
	require.Len(t, applied, 1)
	assert.Equal(t, iface.AcceleratorXNNPACK, applied[0].Accelerator)
	assert.Equal(t, 4, applied[0].NumThreads)
	assert.Equal(t, float32(0.5), applied[0].ScoreThreshold, "fields absent from the message are kept")

	cb(nil, &fakeMessage{payload: []byte(`not json`)})
	cb(nil, &fakeMessage{payload: []byte(`{"numThreads":16}`)})
	assert.Len(t, applied, 1)
}
