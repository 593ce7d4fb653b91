// Package config loads the service configuration from a YAML file.
package config

import (
	"DetOverlay/engine"
	iface "DetOverlay/interface"
	"errors"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

type Server struct {
	Port int `yaml:"port"`
	// gin mode: debug, release or test
	Mode string `yaml:"mode"`
}

type Monitor struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Registry 注册中心心跳配置
type Registry struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// advertised address, resolved from the outbound route when empty
	AdvertiseIP string `yaml:"advertiseIP"`
}

type MQTT struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"clientID"`
	Topic    string `yaml:"topic"`
	// engine config updates are accepted on this topic when set
	ControlTopic string `yaml:"controlTopic"`
	QoS          byte   `yaml:"qos"`
	Retain       bool   `yaml:"retain"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
}

type Camera struct {
	// device index ("0") or a stream URL / file path
	Device   string `yaml:"device"`
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`
	Rotation int    `yaml:"rotation"`
	FPS      int    `yaml:"fps"`
}

type Display struct {
	Width         int     `yaml:"width"`
	Height        int     `yaml:"height"`
	MinConfidence float32 `yaml:"minConfidence"`
	Debug         bool    `yaml:"debug"`
}

type Model struct {
	Path   string `yaml:"path"`
	Labels string `yaml:"labels"`
	Warmup int    `yaml:"warmup"`
}

type Engine struct {
	iface.EngineConfig `yaml:",inline"`
	DumpOutputs        bool `yaml:"dumpOutputs"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	// rotated log file, console only when empty
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

type Config struct {
	Server   Server   `yaml:"server"`
	Monitor  Monitor  `yaml:"monitor"`
	Registry Registry `yaml:"registry"`
	MQTT     MQTT     `yaml:"mqtt"`
	Camera   Camera   `yaml:"camera"`
	Display  Display  `yaml:"display"`
	Model    Model    `yaml:"model"`
	Engine   Engine   `yaml:"engine"`
	Log      Log      `yaml:"log"`
}

// Default returns a config that runs on the CPU with an SSD MobileNet
// sized input and no optional integrations.
func Default() Config {
	return Config{
		Server:  Server{Port: 8080, Mode: "release"},
		Monitor: Monitor{Enabled: true, Port: 9100},
		MQTT: MQTT{
			Broker:   "tcp://127.0.0.1:1883",
			ClientID: "detoverlay",
			Topic:    "detoverlay/detections",
		},
		Camera:  Camera{Device: "0", Width: 640, Height: 480, FPS: 30},
		Display: Display{Width: 640, Height: 480, MinConfidence: 0.5},
		Model:   Model{Path: "models/detect.tflite", Labels: "models/labelmap.txt"},
		Engine: Engine{EngineConfig: iface.EngineConfig{
			Accelerator:    iface.AcceleratorCPU,
			NumThreads:     4,
			ScoreThreshold: 0.5,
			IoUThreshold:   0.6,
			MaxDetections:  engine.DefaultMaxDetections,
			InputSize:      300,
			QuantizedInput: true,
		}},
		Log: Log{Level: "info", MaxSizeMB: 100, MaxBackups: 7, MaxAgeDays: 7},
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var err error
	if e := engine.ValidateConfig(c.Engine.EngineConfig); e != nil {
		err = multierr.Append(err, e)
	}
	switch ((c.Camera.Rotation % 360) + 360) % 360 {
	case 0, 90, 180, 270:
	default:
		err = multierr.Append(err, fmt.Errorf("%w: camera.rotation must be a multiple of 90, got %d", ErrInvalid, c.Camera.Rotation))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("%w: server.port out of range: %d", ErrInvalid, c.Server.Port))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, fmt.Errorf("%w: monitor.port out of range: %d", ErrInvalid, c.Monitor.Port))
	}
	if c.Display.MinConfidence < 0 || c.Display.MinConfidence > 1 {
		err = multierr.Append(err, fmt.Errorf("%w: display.minConfidence must be between 0.0 and 1.0", ErrInvalid))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		err = multierr.Append(err, fmt.Errorf("%w: mqtt.broker is required when mqtt is enabled", ErrInvalid))
	}
	if c.MQTT.QoS > 2 {
		err = multierr.Append(err, fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2", ErrInvalid))
	}
	if c.Registry.Enabled && c.Registry.Host == "" {
		err = multierr.Append(err, fmt.Errorf("%w: registry.host is required when registry is enabled", ErrInvalid))
	}
	if c.Model.Path == "" {
		err = multierr.Append(err, fmt.Errorf("%w: model.path is required", ErrInvalid))
	}
	return err
}

// Geometry is the frame geometry implied by the camera and display sections.
func (c Config) Geometry() iface.FrameGeometry {
	return iface.FrameGeometry{
		SourceWidth:   c.Camera.Width,
		SourceHeight:  c.Camera.Height,
		Rotation:      c.Camera.Rotation,
		DisplayWidth:  c.Display.Width,
		DisplayHeight: c.Display.Height,
	}
}
