package Adhoc

import (
	iface "DetOverlay/interface"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registry struct {
	mu   sync.Mutex
	reqs []RegisterRequest
	fail bool
}

func (r *registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var body RegisterRequest
	_ = json.NewDecoder(req.Body).Decode(&body)
	r.mu.Lock()
	r.reqs = append(r.reqs, body)
	fail := r.fail
	r.mu.Unlock()
	if fail {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RegisterResponse{Id: body.Id, Success: true})
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func serverConfig(t *testing.T, srv *httptest.Server) RegServerConfig {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	var cfg RegServerConfig
	cfg.SetAddress(host, p)
	return cfg
}

func TestHeartbeatSend(t *testing.T) {
	reg := &registry{}
	srv := httptest.NewServer(reg)
	defer srv.Close()

	h := &Heartbeat{
		Server: serverConfig(t, srv),
		IP:     "10.0.0.5",
		Port:   8080,
		Model:  "detect.tflite",
		State: func() (iface.EngineConfig, uint64) {
			return iface.EngineConfig{Accelerator: iface.AcceleratorEdgeTPU}, 3
		},
	}
	require.NoError(t, h.Send(context.Background()))
	require.Equal(t, 1, reg.count())
	reg.mu.Lock()
	got := reg.reqs[0]
	reg.mu.Unlock()
	assert.Equal(t, h.ID(), got.Id)
	assert.Equal(t, EdgeTPUInstance, got.InstanceClass)
	assert.Equal(t, "edgetpu", got.Accelerator)
	assert.Equal(t, uint64(3), got.Generation)
	assert.Equal(t, "10.0.0.5", got.IP)

	reg.mu.Lock()
	reg.fail = true
	reg.mu.Unlock()
	assert.Error(t, h.Send(context.Background()))
}

func TestSendAliveMessageLoop(t *testing.T) {
	reg := &registry{}
	srv := httptest.NewServer(reg)
	defer srv.Close()

	h := &Heartbeat{Server: serverConfig(t, srv), Interval: 20 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.SendAliveMessage(ctx) }()

	assert.Eventually(t, func() bool { return reg.count() >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat loop did not stop")
	}
}

func TestInstanceClass(t *testing.T) {
	assert.Equal(t, CpuInstance, InstanceClass(iface.AcceleratorCPU))
	assert.Equal(t, XnnpackInstance, InstanceClass(iface.AcceleratorXNNPACK))
	assert.Equal(t, CpuInstance, InstanceClass("unknown"))
}
