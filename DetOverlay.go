package main

import (
	adhoc "DetOverlay/Adhoc"
	"DetOverlay/api"
	"DetOverlay/camera"
	"DetOverlay/config"
	"DetOverlay/engine"
	"DetOverlay/engine/tfbackend"
	iface "DetOverlay/interface"
	"DetOverlay/logger"
	"DetOverlay/monitor"
	mq "DetOverlay/mq/mqtt"
	"DetOverlay/pipeline"
	"DetOverlay/tracker"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	flagConfig      = "config"
	flagDumpOutputs = "dump-outputs"
)

func main() {
	if err := logger.InitProduction(); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	app := &cli.App{
		Name:  "DetOverlay",
		Usage: "run a TFLite detector on a camera feed and serve the overlay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   "config.yaml",
				EnvVars: []string{"DETOVERLAY_CONFIG"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDumpOutputs,
				Usage: "log every output tensor after each run",
			},
		},
		Action: func(c *cli.Context) error {
			return run(c.String(flagConfig), c.Bool(flagDumpOutputs))
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.Log().Error("exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Log().Info("Safely exited")
}

func run(configPath string, dumpOutputs bool) (err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.Log()

	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
	fmt.Println(" HTTP  Port:", cfg.Server.Port)
	fmt.Println(" Model     :", cfg.Model.Path)
	fmt.Println(" Engine    :", cfg.Engine.Accelerator, "threads", cfg.Engine.NumThreads)
	fmt.Println(strings.Repeat("#", 64))

	gin.SetMode(cfg.Server.Mode)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := monitor.New()
	det := engine.NewDetector(tfbackend.Builder(logger.Named("tflite")), logger.Named("engine"))
	defer func() {
		err = multierr.Append(err, det.Destroy())
	}()
	if err := det.LoadModelFile(cfg.Model.Path, cfg.Model.Labels, cfg.Engine.EngineConfig); err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	det.SetDumpOutputs(cfg.Engine.DumpOutputs || dumpOutputs)
	det.Warmup(cfg.Model.Warmup)

	// 重建结果计入 metrics，API 和 MQTT 控制共用
	reconfigure := func(next iface.EngineConfig) error {
		prev := det.CheckConfig()
		err := det.Reconfigure(next)
		if prev.NeedsRebuild(next) && !errors.Is(err, engine.ErrInvalidConfig) {
			metrics.Rebuild(err)
		}
		return err
	}

	tr := tracker.NewMultiBoxTracker(logger.Named("tracker"))
	tr.SetGeometry(cfg.Geometry())

	heartbeat := &adhoc.Heartbeat{
		Port:  cfg.Server.Port,
		Model: cfg.Model.Path,
		State: func() (iface.EngineConfig, uint64) { return det.CheckConfig(), det.Generation() },
		Log:   logger.Named("adhoc"),
	}

	if cfg.Registry.Enabled {
		heartbeat.IP = cfg.Registry.AdvertiseIP
		if heartbeat.IP == "" {
			if heartbeat.IP, err = adhoc.GetOutboundIP(); err != nil {
				return fmt.Errorf("resolve outbound IP: %w", err)
			}
		}
		log.Info("Outbound IP", zap.String("ip", heartbeat.IP))
		heartbeat.Server.SetAddress(cfg.Registry.Host, cfg.Registry.Port)
	}

	var sinks []iface.DetectionSink
	if cfg.MQTT.Enabled {
		mlog := logger.Named("mqtt")
		client, err := mq.NewClient(cfg.MQTT, heartbeat.ID(), mlog, func(c paho.Client) {
			if cfg.MQTT.ControlTopic == "" {
				return
			}
			// 重连后需要重新订阅
			if err := mq.SubscribeControl(c, cfg.MQTT.ControlTopic, cfg.MQTT.QoS, det.CheckConfig, reconfigure, mlog); err != nil {
				mlog.Error("subscribe control topic", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
		publisher := mq.NewPublisher(client, cfg.MQTT.Topic, cfg.MQTT.QoS, cfg.MQTT.Retain, heartbeat.ID(), mlog)
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	pipe := pipeline.New(det, tr, pipeline.Options{
		MinConfidence: cfg.Display.MinConfidence,
		Sinks:         sinks,
		Metrics:       metrics,
		Log:           logger.Named("pipeline"),
	})

	server := api.New(det, tr, pipe, api.Options{
		Metrics: metrics,
		Log:     logger.Named("api"),
		Debug:   cfg.Display.Debug,
		OnReconfigure: func(c iface.EngineConfig) {
			log.Info("engine config updated over HTTP",
				zap.String("accelerator", string(c.Accelerator)), zap.Int("threads", c.NumThreads))
		},
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipe.Run(ctx) })
	g.Go(func() error { return server.Run(ctx, cfg.Server.Port) })

	// 只更新源尺寸，显示尺寸可能已被 /api/geometry 修改
	onGeometry := func(g iface.FrameGeometry) {
		tr.SetFrameConfiguration(g.SourceWidth, g.SourceHeight, g.Rotation)
	}
	src, err := camera.Open(cfg.Camera, cfg.Display, onGeometry, logger.Named("camera"))
	if err != nil {
		// 没有摄像头时仍然提供 /api/detect
		log.Warn("camera unavailable, serving uploads only", zap.Error(err))
	} else {
		defer func() {
			err = multierr.Append(err, src.Close())
		}()
		g.Go(func() error { return pipe.Capture(ctx, src) })
	}

	if cfg.Monitor.Enabled {
		g.Go(func() error { return monitor.StartMon(ctx, cfg.Monitor.Port, metrics, logger.Named("monitor")) })
	}

	if cfg.Registry.Enabled {
		g.Go(func() error { return heartbeat.SendAliveMessage(ctx) })
	} else {
		log.Info("registry disabled, skipping registration")
	}

	return g.Wait()
}
