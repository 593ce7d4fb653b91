// Package mqtt publishes each frame's detections to an MQTT broker and
// accepts engine config updates on a control topic.
package mqtt

import (
	"DetOverlay/config"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 2 * time.Second
)

// Client is the part of mqtt.Client the publisher needs.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

// NewClient 按配置建立 MQTT 连接，首次连接失败时返回错误，之后自动重连
func NewClient(cfg config.MQTT, nodeID string, log *zap.Logger, onConnect func(mqtt.Client)) (mqtt.Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "detoverlay"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(fmt.Sprintf("%s-%s", clientID, nodeID)).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password)

	opts.OnConnect = func(c mqtt.Client) {
		log.Info("connected to MQTT broker", zap.String("broker", cfg.Broker))
		if onConnect != nil {
			onConnect(c)
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Error("MQTT connection lost, waiting for reconnect", zap.Error(err))
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// ConnectRetry keeps trying in the background
		log.Warn("MQTT connect still pending", zap.String("broker", cfg.Broker))
		return c, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return c, nil
}
