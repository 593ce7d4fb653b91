package Adhoc

import (
	iface "DetOverlay/interface"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CpuInstance     = 0x2002
	XnnpackInstance = 0x2005
	EdgeTPUInstance = 0x2006
	TimeOutSeconds  = 5
)

type RegisterRequest struct {
	Id            string `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	InstanceClass int    `json:"instanceClass"`
	Accelerator   string `json:"accelerator"`
	Model         string `json:"model"`
	Generation    uint64 `json:"generation"`
	TimeStamp     int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port int
	Addr string
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

func (reg RegServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
}

// InstanceClass maps an accelerator to the class announced to the registry.
func InstanceClass(a iface.Accelerator) int {
	switch a {
	case iface.AcceleratorXNNPACK:
		return XnnpackInstance
	case iface.AcceleratorEdgeTPU:
		return EdgeTPUInstance
	default:
		return CpuInstance
	}
}

// NodeState 每次心跳时读取的节点当前状态
type NodeState func() (iface.EngineConfig, uint64)

type Heartbeat struct {
	Server   RegServerConfig
	IP       string
	Port     int
	Model    string
	Interval time.Duration
	State    NodeState
	Log      *zap.Logger

	id     string
	client *resty.Client
}

// GetOutboundIP 通过 UDP 路由得到本地出口 IP，不会真正发包
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}

func (h *Heartbeat) init() {
	if h.Log == nil {
		h.Log = zap.NewNop()
	}
	if h.Interval <= 0 {
		h.Interval = TimeOutSeconds * time.Second
	}
	if h.id == "" {
		h.id = uuid.NewString()
	}
	if h.client == nil {
		h.client = resty.New().SetTimeout(TimeOutSeconds * time.Second) // 总超时
	}
}

func (h *Heartbeat) ID() string {
	h.init()
	return h.id
}

// Send posts one registration. Failures are returned, never panicked.
func (h *Heartbeat) Send(ctx context.Context) (err error) {
	h.init()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heartbeat panic recovered: %v", r)
		}
	}()
	cfg := iface.EngineConfig{Accelerator: iface.AcceleratorCPU}
	var gen uint64
	if h.State != nil {
		cfg, gen = h.State()
	}
	reqBody := RegisterRequest{
		Id:            h.id,
		IP:            h.IP,
		Port:          h.Port,
		InstanceClass: InstanceClass(cfg.Accelerator),
		Accelerator:   string(cfg.Accelerator),
		Model:         h.Model,
		Generation:    gen,
		TimeStamp:     time.Now().Unix(),
	}
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).     // resty 会 JSON 编码
		SetResult(&respBody). // 2xx 自动反序列化到 respBody
		Post(h.Server.URL())
	if err != nil {
		return fmt.Errorf("register request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("registry returned %s: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("registry rejected node %s", h.id)
	}
	return nil
}

// SendAliveMessage 周期性向注册中心发送心跳，直到 ctx 结束
func (h *Heartbeat) SendAliveMessage(ctx context.Context) error {
	h.init()
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	beat := func() {
		if err := h.Send(ctx); err != nil && ctx.Err() == nil {
			h.Log.Error("heartbeat failed", zap.String("url", h.Server.URL()), zap.Error(err))
		}
	}
	beat()
	for {
		select {
		case <-ctx.Done():
			h.Log.Info("SendAliveMessage context cancelled, exiting goroutine.")
			return nil
		case <-ticker.C:
			beat()
		}
	}
}
