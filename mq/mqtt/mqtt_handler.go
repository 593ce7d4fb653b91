package mqtt

import (
	iface "DetOverlay/interface"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("mqtt client not connected")

// DetectionMessage is the JSON payload published per frame.
type DetectionMessage struct {
	NodeID     string            `json:"nodeID"`
	FrameID    string            `json:"frameID"`
	Timestamp  int64             `json:"timestamp"`
	Detections []iface.Detection `json:"detections"`
}

// Publisher implements iface.DetectionSink on an MQTT topic.
type Publisher struct {
	c        Client
	topic    string
	qos      byte
	retained bool
	nodeID   string
	now      func() time.Time
	log      *zap.Logger
}

func NewPublisher(c Client, topic string, qos byte, retained bool, nodeID string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{c: c, topic: topic, qos: qos, retained: retained, nodeID: nodeID, now: time.Now, log: log}
}

// Publish sends one frame's detections. Frames without detections are
// published too so subscribers can clear their state.
func (p *Publisher) Publish(frameID string, dets []iface.Detection) error {
	if dets == nil {
		dets = []iface.Detection{}
	}
	payload, err := json.Marshal(DetectionMessage{
		NodeID:     p.nodeID,
		FrameID:    frameID,
		Timestamp:  p.now().UnixMilli(),
		Detections: dets,
	})
	if err != nil {
		return fmt.Errorf("marshal detections: %w", err)
	}
	return p.publish(payload)
}

func (p *Publisher) publish(payload []byte) error {
	if !p.c.IsConnected() {
		return ErrNotConnected
	}
	token := p.c.Publish(p.topic, p.qos, p.retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", p.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", p.topic, err)
	}
	p.log.Debug("MQTT message published", zap.String("topic", p.topic), zap.Int("bytes", len(payload)))
	return nil
}

func (p *Publisher) Close() {
	p.c.Disconnect(250)
}

// ConfigHandler applies an engine config received on the control topic.
type ConfigHandler func(iface.EngineConfig) error

// SubscribeControl 订阅控制 topic，收到的 JSON 在当前配置之上合并后交给 apply
func SubscribeControl(c Client, topic string, qos byte, current func() iface.EngineConfig, apply ConfigHandler, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	token := c.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handleControl(msg.Payload(), current, apply, log)
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt subscribe to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe to %s: %w", topic, err)
	}
	log.Info("subscribed to control topic", zap.String("topic", topic))
	return nil
}

func handleControl(payload []byte, current func() iface.EngineConfig, apply ConfigHandler, log *zap.Logger) {
	cfg := current()
	if err := json.Unmarshal(payload, &cfg); err != nil {
		log.Error("decode control message", zap.ByteString("payload", payload), zap.Error(err))
		return
	}
	if err := apply(cfg); err != nil {
		log.Error("apply engine config from MQTT", zap.Error(err))
		return
	}
	log.Info("engine config updated from MQTT",
		zap.String("accelerator", string(cfg.Accelerator)), zap.Int("threads", cfg.NumThreads))
}
