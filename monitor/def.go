package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const sampleInterval = 500 * time.Millisecond

// Metrics 进程资源与逐帧处理指标，方法在 nil 接收者上是空操作
type Metrics struct {
	Registry *prometheus.Registry

	memUsage         prometheus.Gauge
	cpuUsage         prometheus.Gauge
	framesProcessed  prometheus.Counter
	framesDropped    prometheus.Counter
	staleResults     prometheus.Counter
	detections       prometheus.Gauge
	inferenceLatency prometheus.Histogram
	rebuilds         *prometheus.CounterVec

	proc *process.Process
}

func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}
	m.memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	m.cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})
	m.framesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "frames_processed_total",
		Help: "Frames that went through inference",
	})
	m.framesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "frames_dropped_total",
		Help: "Frames dropped because the previous one was still in flight",
	})
	m.staleResults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stale_results_total",
		Help: "Results discarded because the inference handle was rebuilt meanwhile",
	})
	m.detections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "detections_per_frame",
		Help: "Tracked detections on the last processed frame",
	})
	m.inferenceLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "inference_latency_seconds",
		Help:    "Inference plus decode time per frame",
		Buckets: prometheus.ExponentialBuckets(0.002, 2, 10),
	})
	m.rebuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handle_rebuilds_total",
		Help: "Inference handle rebuilds by result",
	}, []string{"result"})

	m.Registry.MustRegister(m.memUsage, m.cpuUsage, m.framesProcessed, m.framesDropped,
		m.staleResults, m.detections, m.inferenceLatency, m.rebuilds)
	return m
}

func (m *Metrics) FrameProcessed(elapsed time.Duration, detections int) {
	if m == nil {
		return
	}
	m.framesProcessed.Inc()
	m.inferenceLatency.Observe(elapsed.Seconds())
	m.detections.Set(float64(detections))
}

func (m *Metrics) FrameDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) StaleResult() {
	if m != nil {
		m.staleResults.Inc()
	}
}

func (m *Metrics) Rebuild(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.rebuilds.WithLabelValues(result).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// CheckProcessInfo samples this process' RSS and CPU usage.
func (m *Metrics) CheckProcessInfo() error {
	if m.proc == nil {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			return err
		}
		m.proc = p
	}
	memInfo, err := m.proc.MemoryInfo()
	if err != nil {
		return err
	}
	cpuPercent, err := m.proc.CPUPercent()
	if err != nil {
		return err
	}
	m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	return nil
}

// StartMon serves /metrics on port and samples process usage until ctx is
// done.
func StartMon(ctx context.Context, port int, m *Metrics, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info("prometheus server started", zap.Int("port", port))

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("prometheus server: %w", err)
			}
			errCh = nil
		case <-ticker.C:
			if err := m.CheckProcessInfo(); err != nil {
				log.Debug("sample process info", zap.Error(err))
			}
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("prometheus server shutdown: %w", err)
	}
	return nil
}
