package logger

import (
	"DetOverlay/config"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logMu sync.RWMutex
	log   *zap.Logger
	sugar *zap.SugaredLogger
	// Level 运行时可调的全局日志级别
	Level = zap.NewAtomicLevel()
)

func encoderConfig(development bool) zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	if development {
		ec = zap.NewDevelopmentEncoderConfig()
	}
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return ec
}

// ParseLevel 不认识的级别按 info 处理
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Init 按配置初始化 logger：控制台输出，配置了文件时同时写入轮转日志
func Init(cfg config.Log) error {
	Level.SetLevel(ParseLevel(cfg.Level))

	var consoleEnc zapcore.Encoder
	if cfg.Development {
		consoleEnc = zapcore.NewConsoleEncoder(encoderConfig(true))
	} else {
		consoleEnc = zapcore.NewJSONEncoder(encoderConfig(false))
	}
	cores := []zapcore.Core{zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stdout), Level)}

	if cfg.File != "" {
		// 文件日志固定 JSON，按大小和天数轮转
		rotate := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig(false)), zapcore.AddSync(rotate), Level))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	setLogger(zap.New(zapcore.NewTee(cores...), opts...))
	return nil
}

// InitProduction 初始化一个 production logger（配置文件加载之前使用）
func InitProduction() error {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig = encoderConfig(false)
	cfg.Level = Level
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	setLogger(l)
	return nil
}

// InitDevelopment 初始化一个 development logger（更友好地输出到控制台）
func InitDevelopment() error {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig = encoderConfig(true)
	Level.SetLevel(zap.DebugLevel)
	cfg.Level = Level
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	setLogger(l)
	return nil
}

// setLogger 内部设置并替换 zap 全局 logger
func setLogger(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	// 替换 zap 全局（可使 zap.L()/zap.S() 返回相同实例）
	zap.ReplaceGlobals(l)
	if log != nil {
		_ = log.Sync()
	}
	log = l
	sugar = l.Sugar()
}

// Log 返回 *zap.Logger（非 nil）
func Log() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		return log
	}
	// 如果还没初始化，返回 zap 的全局（可能是 noop）
	return zap.L()
}

// Named 返回带组件名的子 logger
func Named(name string) *zap.Logger {
	return Log().Named(name)
}

// S 返回 *zap.SugaredLogger（非 nil）
func S() *zap.SugaredLogger {
	logMu.RLock()
	defer logMu.RUnlock()
	if sugar != nil {
		return sugar
	}
	return zap.S()
}

// Sync flush logs
func Sync() {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		_ = log.Sync()
	}
}
