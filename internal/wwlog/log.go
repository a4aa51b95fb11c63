// Package wwlog builds the process-wide loggers the way the teacher's
// utils/log.go builds its zap logger, generalized from a single global
// *zap.Logger into the network-logger split documented in
// original_source/ww/loggers/network_logger.c: a console core when
// Console is set, a lumberjack-backed rotating file core when Path is
// set, teed together when both are, and a console core alone when
// neither is.
package wwlog

import (
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config mirrors the teacher's "log" section of setting.json.
type Config struct {
	Level   string `json:"level"`
	Path    string `json:"path"`
	Console bool   `json:"console"`
}

var (
	// Network is the process-wide logger every tunnel core pulls a named
	// child logger from, the Go equivalent of getNetworkLogger().
	Network *zap.Logger = zap.NewNop()
)

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// Init (re)configures the Network logger. It must be called once during
// process start-up, before any tunnel core calls New.
func Init(cfg Config) {
	level, ok := levelMap[cfg.Level]
	if !ok {
		level = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool { return lvl >= level })

	var cores []zapcore.Core
	if cfg.Console {
		consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig())
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), enabler))
	}
	if cfg.Path != "" {
		hook := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    1024,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		fileEncoder := zapcore.NewJSONEncoder(encoderConfig())
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(hook), enabler))
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.AddSync(os.Stdout), enabler))
	}

	Network = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

// New returns a named child logger for a single component, the Go
// equivalent of the original's per-module logging.Logger handles.
func New(module string) *zap.Logger {
	return Network.Named(module)
}

// Sync flushes any buffered log entries. Call from main() via defer.
func Sync() {
	_ = Network.Sync()
}
