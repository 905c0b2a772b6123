package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tradeledger/conf"
)

var (
	mu      sync.RWMutex
	sugared = zap.NewNop().Sugar()
	base    = zap.NewNop()
)

// Field 结构化日志字段
type Field = zap.Field

// Pair 构造一个日志字段
func Pair(key string, value any) Field {
	return zap.Any(key, value)
}

// InitLogger 根据配置初始化全局日志，文件按 lumberjack 规则滚动
func InitLogger(cfg *conf.LogConfig, appName string) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = "2006-01-02 15:04:05.000"
	}
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeFormat)

	var cores []zapcore.Core
	if cfg.FileName != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.FileName,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
			LocalTime:  cfg.LocalTime,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(writer), level))
	}
	if cfg.Console || len(cores) == 0 {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), level))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("app", appName))
	Replace(l)
}

// Replace 替换全局 logger，测试中可注入 zaptest/observer
func Replace(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	sugared = l.Sugar()
}

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

func get() (*zap.Logger, *zap.SugaredLogger) {
	mu.RLock()
	defer mu.RUnlock()
	return base, sugared
}

func Debug(msg string, fields ...Field) { l, _ := get(); l.Debug(msg, fields...) }
func Info(msg string, fields ...Field)  { l, _ := get(); l.Info(msg, fields...) }
func Warn(msg string, fields ...Field)  { l, _ := get(); l.Warn(msg, fields...) }
func Error(msg string, fields ...Field) { l, _ := get(); l.Error(msg, fields...) }
func Fatal(msg string, fields ...Field) { l, _ := get(); l.Fatal(msg, fields...) }

func Debugf(template string, args ...any) { _, s := get(); s.Debugf(template, args...) }
func Infof(template string, args ...any)  { _, s := get(); s.Infof(template, args...) }
func Warnf(template string, args ...any)  { _, s := get(); s.Warnf(template, args...) }
func Errorf(template string, args ...any) { _, s := get(); s.Errorf(template, args...) }
func Fatalf(template string, args ...any) { _, s := get(); s.Fatalf(template, args...) }
