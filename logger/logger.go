package logger

import (
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var current atomic.Pointer[zap.SugaredLogger]

func init() {
	// no-op until Init is called, so packages can log from tests
	current.Store(zap.NewNop().Sugar())
}

// L returns the active logger.
func L() *zap.SugaredLogger { return current.Load() }

// Init installs the process logger. It may be called again at any time;
// goroutines already logging switch over on their next call.
func Init(isDev bool) {
	var level zapcore.Level

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		MessageKey:       "msg",
		EncodeTime:       customTimeEncoder,
		ConsoleSeparator: " ",
	}

	if isDev {
		level = zapcore.DebugLevel
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		level = zapcore.InfoLevel
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)
	current.Store(zap.New(core).Sugar())
}

// customTimeEncoder formats time as "2006-01-02 15:04:05.000" for logs
func customTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

func Sync() {
	_ = L().Sync()
}

func Infof(template string, args ...interface{})  { L().Infof(template, args...) }
func Errorf(template string, args ...interface{}) { L().Errorf(template, args...) }
func Debugf(template string, args ...interface{}) { L().Debugf(template, args...) }
func Warnf(template string, args ...interface{})  { L().Warnf(template, args...) }
func Fatalf(template string, args ...interface{}) { L().Fatalf(template, args...); os.Exit(1) }
